// Package environments caches dependency environments by requirements hash
// and guarantees a single provisioning per hash.
package environments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

var logger = logging.For("environments")

// HashRequirements returns the cache key of a requirements file. Line order,
// surrounding whitespace, blank lines and comments do not change the hash.
func HashRequirements(requirements []byte) string {
	var lines []string
	for _, line := range strings.Split(string(requirements), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return sandbox.BareHash
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// cell is either an in-flight provisioning (done open) or a settled one.
type cell struct {
	done chan struct{}
	env  sandbox.Environment
	err  error
}

// Manager hands out ready environments. Safe for concurrent use.
type Manager struct {
	provisioner sandbox.Provisioner
	locker      sandbox.Locker
	metrics     *telemetry.Metrics

	mu    sync.Mutex
	cells map[string]*cell

	provisions atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker serializes provisioning of one hash across processes.
func WithLocker(l sandbox.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithMetrics records provisioning results.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(p sandbox.Provisioner, opts ...Option) *Manager {
	m := &Manager{
		provisioner: p,
		cells:       make(map[string]*cell),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Provisions returns how many times this manager invoked the provisioner.
func (m *Manager) Provisions() int64 {
	return m.provisions.Load()
}

// Acquire returns the environment for requirements, provisioning it if no
// ready one exists. Concurrent callers for the same hash share one
// provisioning and, on failure, the same *sandbox.ProvisioningError.
//
// The provisioning itself is detached from ctx; a caller that gives up only
// stops waiting, the others still get the result.
func (m *Manager) Acquire(ctx context.Context, requirements []byte) (sandbox.Environment, error) {
	hash := HashRequirements(requirements)

	for {
		m.mu.Lock()
		c, ok := m.cells[hash]
		fresh := !ok
		if fresh {
			c = &cell{done: make(chan struct{})}
			m.cells[hash] = c
			go m.fill(context.WithoutCancel(ctx), c, hash, requirements)
		}
		m.mu.Unlock()

		select {
		case <-c.done:
		case <-ctx.Done():
			return sandbox.Environment{}, ctx.Err()
		}
		if c.err != nil {
			return sandbox.Environment{}, c.err
		}
		if fresh || m.provisioner.Healthy(ctx, c.env) {
			return c.env, nil
		}

		logger.WithField("hash", hash).Warn("cached environment is gone, rebuilding")
		m.mu.Lock()
		if m.cells[hash] == c {
			delete(m.cells, hash)
		}
		m.mu.Unlock()
	}
}

// fill settles c. ctx carries no cancellation; the provisioner's own
// timeout bounds it.
func (m *Manager) fill(ctx context.Context, c *cell, hash string, requirements []byte) {
	defer close(c.done)

	c.env, c.err = m.build(ctx, hash, requirements)
	if c.err == nil {
		return
	}
	var perr *sandbox.ProvisioningError
	if !errors.As(c.err, &perr) {
		c.err = &sandbox.ProvisioningError{Hash: hash, Err: c.err}
	}

	m.mu.Lock()
	if m.cells[hash] == c {
		delete(m.cells, hash)
	}
	m.mu.Unlock()
}

func (m *Manager) build(ctx context.Context, hash string, requirements []byte) (sandbox.Environment, error) {
	log := logger.WithField("hash", hash)

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, "env:"+hash)
		if err != nil {
			return sandbox.Environment{}, err
		}
		defer func() {
			if err := unlock(); err != nil {
				log.WithError(err).Warn("release provisioning lock")
			}
		}()
	}

	env, ok, err := m.provisioner.Lookup(ctx, hash)
	if err != nil {
		log.WithError(err).Warn("environment lookup failed, provisioning anyway")
	}
	if ok && m.provisioner.Healthy(ctx, env) {
		log.Debug("reusing persisted environment")
		m.metrics.Provisioned("reused")
		return env, nil
	}

	m.provisions.Add(1)
	log.Info("provisioning environment")
	env, err = m.provisioner.Provision(ctx, hash, requirements)
	if err != nil {
		log.WithError(err).Error("provisioning failed")
		m.metrics.Provisioned("failed")
		return sandbox.Environment{}, err
	}
	log.WithFields(logrus.Fields{"location": env.Location}).Info("environment ready")
	m.metrics.Provisioned("built")
	return env, nil
}
