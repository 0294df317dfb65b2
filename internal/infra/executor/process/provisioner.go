// Package process runs analyzer scripts as host subprocesses, each in its
// own working directory and process group, against virtualenvs kept under a
// root directory.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/xid"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
)

var logger = logging.For("executor.process")

const readyMarker = ".ready"

// Provisioner builds one virtualenv per requirements hash under Root.
type Provisioner struct {
	Root    string
	Python  string
	Timeout time.Duration
}

func (p *Provisioner) dir(hash string) string {
	return filepath.Join(p.Root, hash)
}

func (p *Provisioner) Lookup(_ context.Context, hash string) (sandbox.Environment, bool, error) {
	dir := p.dir(hash)
	info, err := os.Stat(filepath.Join(dir, readyMarker))
	if errors.Is(err, os.ErrNotExist) {
		return sandbox.Environment{}, false, nil
	}
	if err != nil {
		return sandbox.Environment{}, false, err
	}
	return sandbox.Environment{Hash: hash, Location: dir, CreatedAt: info.ModTime()}, true, nil
}

func (p *Provisioner) Healthy(_ context.Context, env sandbox.Environment) bool {
	_, err := os.Stat(filepath.Join(env.Location, readyMarker))
	return err == nil
}

// Provision builds the venv in a staging directory and renames it into
// place, so a half-built environment is never visible under its hash.
func (p *Provisioner) Provision(ctx context.Context, hash string, requirements []byte) (sandbox.Environment, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	if err := os.MkdirAll(p.Root, 0o755); err != nil {
		return sandbox.Environment{}, &sandbox.ProvisioningError{Hash: hash, Err: err}
	}

	staging := filepath.Join(p.Root, ".staging-"+xid.New().String())
	defer os.RemoveAll(staging)

	var log bytes.Buffer
	fail := func(err error) (sandbox.Environment, error) {
		return sandbox.Environment{}, &sandbox.ProvisioningError{Hash: hash, Log: log.String(), Err: err}
	}

	if err := p.run(ctx, &log, p.python(), "-m", "venv", staging); err != nil {
		return fail(fmt.Errorf("create venv: %w", err))
	}
	if len(bytes.TrimSpace(requirements)) > 0 {
		reqFile := filepath.Join(staging, "requirements.txt")
		if err := os.WriteFile(reqFile, requirements, 0o644); err != nil {
			return fail(err)
		}
		pip := filepath.Join(staging, "bin", "python")
		if err := p.run(ctx, &log, pip, "-m", "pip", "install", "--no-input", "--disable-pip-version-check", "-r", reqFile); err != nil {
			return fail(fmt.Errorf("pip install: %w", err))
		}
	}
	if err := os.WriteFile(filepath.Join(staging, readyMarker), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fail(err)
	}

	final := p.dir(hash)
	if err := p.clearStale(final); err != nil {
		return fail(fmt.Errorf("clear stale environment: %w", err))
	}
	if err := os.Rename(staging, final); err != nil {
		// another process finished first
		if env, ok, lerr := p.Lookup(ctx, hash); lerr == nil && ok {
			return env, nil
		}
		return fail(fmt.Errorf("publish environment: %w", err))
	}
	if err := seal(final); err != nil {
		return fail(fmt.Errorf("seal environment: %w", err))
	}
	logger.WithField("hash", hash).WithField("dir", final).Info("virtualenv ready")
	env, _, err := p.Lookup(ctx, hash)
	if err != nil {
		return fail(err)
	}
	return env, nil
}

// clearStale moves a directory that lost its ready marker out of the way.
func (p *Provisioner) clearStale(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, readyMarker)); err == nil {
		return nil
	}
	if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	logger.WithField("dir", dir).Warn("replacing environment without ready marker")
	stale := filepath.Join(p.Root, ".stale-"+xid.New().String())
	if err := os.Rename(dir, stale); err != nil {
		return err
	}
	if err := removeTree(stale); err != nil {
		logger.WithError(err).WithField("dir", stale).Warn("remove stale environment")
	}
	return nil
}

// seal drops every write bit under dir. Symlinks are skipped, bin/python
// points at the host interpreter.
func seal(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()&^0o222)
	})
}

// removeTree deletes a sealed tree, giving directories their write bit back
// first.
func removeTree(dir string) error {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o755)
		}
		return nil
	})
	return os.RemoveAll(dir)
}

func (p *Provisioner) python() string {
	if p.Python == "" {
		return "python3"
	}
	return p.Python
}

func (p *Provisioner) run(ctx context.Context, log *bytes.Buffer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = log
	cmd.Stderr = log
	return cmd.Run()
}
