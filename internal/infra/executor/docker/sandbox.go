package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

const scriptName = "script.py"

// Sandbox runs every invocation in a fresh container that is removed on
// every exit path.
type Sandbox struct {
	Client         *client.Client
	Image          string
	Limits         Limits
	MaxOutputBytes int
	Metrics        *telemetry.Metrics

	active atomic.Int64
}

// Active returns the number of containers this sandbox currently owns.
func (s *Sandbox) Active() int {
	return int(s.active.Load())
}

func (s *Sandbox) Execute(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
	log := logger.WithField("invocation", inv.ID)

	id, err := createContainer(ctx, s.Client, s.containerConfig(inv), s.hostConfig(inv))
	if err != nil {
		return sandbox.Result{}, err
	}
	s.active.Add(1)
	s.Metrics.SandboxStarted()
	defer func() {
		removeContainer(s.Client, id)
		s.active.Add(-1)
		s.Metrics.SandboxStopped()
	}()

	archive, err := scriptArchive(inv.Script)
	if err != nil {
		return sandbox.Result{}, err
	}
	if err := s.Client.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return sandbox.Result{}, fmt.Errorf("copy script: %w", err)
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.Client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return sandbox.Result{}, fmt.Errorf("start container: %w", err)
	}

	res := sandbox.Result{}
	code, err := waitExit(runCtx, s.Client, id)
	res.Duration = time.Since(start)
	switch {
	case err == nil:
		res.ExitCode = int(code)
	case runCtx.Err() != nil:
		res.TimedOut = true
		res.ExitCode = -1
		kctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if kerr := s.Client.ContainerKill(kctx, id, "KILL"); kerr != nil {
			log.WithError(kerr).Warn("kill timed out container")
		}
		cancel()
	default:
		return sandbox.Result{}, err
	}

	stdout, stderr, err := s.logs(context.WithoutCancel(ctx), id)
	if err != nil && !res.TimedOut {
		return sandbox.Result{}, err
	}
	res.Stdout, res.Stderr = stdout, stderr

	result := "ok"
	switch {
	case res.TimedOut:
		result = "timeout"
	case res.ExitCode != 0:
		result = "error"
	}
	s.Metrics.SandboxRun(result, res.Duration)
	log.WithField("container", shortID(id)).WithField("exit_code", res.ExitCode).Debug("container finished")
	return res, nil
}

func (s *Sandbox) containerConfig(inv sandbox.Invocation) *container.Config {
	env := []string{
		"PATH=" + venvPath + "/bin:/usr/local/bin:/usr/bin:/bin",
		"VIRTUAL_ENV=" + venvPath,
		"HOME=" + workPath,
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	return &container.Config{
		Image:           s.Image,
		Cmd:             []string{venvPath + "/bin/python", path.Join(workPath, scriptName)},
		WorkingDir:      workPath,
		User:            sandboxUser,
		Env:             append(env, sandbox.EnvVars(inv.Inputs)...),
		NetworkDisabled: !s.Limits.Network,
		Labels: map[string]string{
			labelManaged: "true",
			labelHash:    inv.Environment.Hash,
		},
	}
}

func (s *Sandbox) hostConfig(inv sandbox.Invocation) *container.HostConfig {
	host := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeVolume,
			Source:   inv.Environment.Location,
			Target:   venvPath,
			ReadOnly: true,
		}},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   int64(s.Limits.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(s.Limits.CPULimit * 1e9),
			PidsLimit: func() *int64 {
				if s.Limits.PidsLimit > 0 {
					limit := int64(s.Limits.PidsLimit)
					return &limit
				}
				return nil
			}(),
		},
	}
	if !s.Limits.Network {
		host.NetworkMode = "none"
	}
	return host
}

func (s *Sandbox) logs(ctx context.Context, id string) ([]byte, []byte, error) {
	rc, err := s.Client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	limit := s.MaxOutputBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("demultiplex logs: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// scriptArchive packs the script as work/script.py, owned by the sandbox user.
func scriptArchive(script []byte) (*bytes.Buffer, error) {
	if script == nil {
		return nil, errors.New("empty script")
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	dir := &tar.Header{
		Name:     "work/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		Uid:      65534,
		Gid:      65534,
		ModTime:  now,
	}
	file := &tar.Header{
		Name:     "work/" + scriptName,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(script)),
		Uid:      65534,
		Gid:      65534,
		ModTime:  now,
	}
	if err := tw.WriteHeader(dir); err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(file); err != nil {
		return nil, err
	}
	if _, err := tw.Write(script); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
