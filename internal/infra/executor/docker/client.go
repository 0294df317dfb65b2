// Package docker runs analyzer scripts in throwaway containers, with
// dependency environments kept in named volumes.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"

	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
)

var logger = logging.For("executor.docker")

const (
	labelManaged = "analyzer-engine.managed"
	labelHash    = "analyzer-engine.hash"
	labelVolume  = "analyzer-engine.volume"

	venvPath = "/venv"
	workPath = "/work"
	// nobody in the python images
	sandboxUser = "65534:65534"
)

// NewClient connects to the daemon named by the DOCKER_* environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// Ping reports whether the daemon answers.
func Ping(ctx context.Context, cli *client.Client) error {
	_, err := cli.Ping(ctx)
	return err
}

// Limits are the resource caps applied to every sandbox container.
type Limits struct {
	MemoryMB  int
	CPULimit  float64
	PidsLimit int
	Network   bool
}

// LimitsFrom maps the sandbox config section.
func LimitsFrom(cfg config.Sandbox) Limits {
	return Limits{
		MemoryMB:  cfg.Resources.MemoryMB,
		CPULimit:  cfg.Resources.CPULimit,
		PidsLimit: cfg.Resources.PidsLimit,
		Network:   cfg.Network,
	}
}
