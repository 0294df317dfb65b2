package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/xid"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
)

// Provisioner builds one virtualenv volume per requirements hash.
//
// The venv is installed into a uniquely named build volume. Only after the
// install succeeded is a marker volume named MarkerName(hash) created,
// pointing at the build volume through a label; Lookup trusts nothing else.
type Provisioner struct {
	Client  *client.Client
	Image   string
	Timeout time.Duration
}

// MarkerName is the volume whose existence means hash is ready.
func MarkerName(hash string) string {
	return "analyzer-env-" + hash
}

func (p *Provisioner) Lookup(ctx context.Context, hash string) (sandbox.Environment, bool, error) {
	marker, err := p.Client.VolumeInspect(ctx, MarkerName(hash))
	if errdefs.IsNotFound(err) {
		return sandbox.Environment{}, false, nil
	}
	if err != nil {
		return sandbox.Environment{}, false, fmt.Errorf("inspect volume %s: %w", MarkerName(hash), err)
	}
	env := sandbox.Environment{Hash: hash, Location: marker.Labels[labelVolume]}
	if t, err := time.Parse(time.RFC3339, marker.CreatedAt); err == nil {
		env.CreatedAt = t
	}
	return env, env.Location != "", nil
}

// Healthy requires the marker to still point at env.Location and that volume
// to carry our labels. A volume that docker created implicitly for a mount
// has none, so it never counts as a built environment.
func (p *Provisioner) Healthy(ctx context.Context, env sandbox.Environment) bool {
	if env.Location == "" {
		return false
	}
	marker, err := p.Client.VolumeInspect(ctx, MarkerName(env.Hash))
	if err != nil || marker.Labels[labelVolume] != env.Location {
		return false
	}
	return p.built(ctx, env.Hash, env.Location)
}

func (p *Provisioner) built(ctx context.Context, hash, name string) bool {
	vol, err := p.Client.VolumeInspect(ctx, name)
	if err != nil {
		return false
	}
	return vol.Labels[labelManaged] == "true" && vol.Labels[labelHash] == hash
}

func (p *Provisioner) Provision(ctx context.Context, hash string, requirements []byte) (sandbox.Environment, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	fail := func(log string, err error) (sandbox.Environment, error) {
		return sandbox.Environment{}, &sandbox.ProvisioningError{Hash: hash, Log: log, Err: err}
	}

	build := fmt.Sprintf("analyzer-venv-%s-%s", shortHash(hash), xid.New().String())
	if _, err := p.Client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   build,
		Labels: map[string]string{labelManaged: "true", labelHash: hash},
	}); err != nil {
		return fail("", fmt.Errorf("create volume: %w", err))
	}
	published := false
	defer func() {
		if !published {
			p.removeVolume(build)
		}
	}()

	log, err := p.install(ctx, build, requirements)
	if err != nil {
		return fail(log, err)
	}

	env, err := p.publish(ctx, hash, build)
	if err != nil {
		return fail(log, err)
	}
	published = env.Location == build
	if published {
		logger.WithField("hash", hash).WithField("volume", build).Info("virtualenv volume ready")
	}
	return env, nil
}

// publish creates the marker volume for build. A marker left behind by a
// build whose volume is gone is removed and recreated; a live marker from
// another process wins and build is dropped by the caller.
func (p *Provisioner) publish(ctx context.Context, hash, build string) (sandbox.Environment, error) {
	for attempt := 0; attempt < 2; attempt++ {
		marker, err := p.Client.VolumeCreate(ctx, volume.CreateOptions{
			Name: MarkerName(hash),
			Labels: map[string]string{
				labelManaged: "true",
				labelHash:    hash,
				labelVolume:  build,
			},
		})
		if err != nil {
			return sandbox.Environment{}, fmt.Errorf("publish environment: %w", err)
		}
		current := marker.Labels[labelVolume]
		if current == build {
			return sandbox.Environment{Hash: hash, Location: build, CreatedAt: time.Now().UTC()}, nil
		}
		if current != "" && p.built(ctx, hash, current) {
			// built by another process
			env, ok, err := p.Lookup(ctx, hash)
			if err == nil && ok {
				return env, nil
			}
		}

		logger.WithField("hash", hash).WithField("stale", current).Warn("replacing stale environment marker")
		if err := p.Client.VolumeRemove(ctx, MarkerName(hash), true); err != nil && !errdefs.IsNotFound(err) {
			return sandbox.Environment{}, fmt.Errorf("remove stale marker: %w", err)
		}
		if current != "" {
			p.removeVolume(current)
		}
	}
	return sandbox.Environment{}, fmt.Errorf("publish environment: marker for %s keeps pointing elsewhere", shortHash(hash))
}

// install runs python -m venv and pip in a throwaway container with the
// build volume mounted read-write. It returns the container output.
func (p *Provisioner) install(ctx context.Context, vol string, requirements []byte) (string, error) {
	script := "python -m venv " + venvPath
	if len(bytes.TrimSpace(requirements)) > 0 {
		script = `printf '%s' "$ANALYZER_REQUIREMENTS" > /tmp/requirements.txt && ` + script +
			" && " + venvPath + "/bin/pip install --no-input --disable-pip-version-check -r /tmp/requirements.txt"
	}
	cfg := &container.Config{
		Image:  p.Image,
		Cmd:    []string{"sh", "-c", script},
		Env:    []string{"ANALYZER_REQUIREMENTS=" + string(requirements), "PIP_NO_CACHE_DIR=1"},
		Labels: map[string]string{labelManaged: "true"},
	}
	host := &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: vol, Target: venvPath}},
	}

	id, err := createContainer(ctx, p.Client, cfg, host)
	if err != nil {
		return "", err
	}
	defer removeContainer(p.Client, id)

	if err := p.Client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start provisioning container: %w", err)
	}
	code, err := waitExit(ctx, p.Client, id)
	var out bytes.Buffer
	if rc, lerr := p.Client.ContainerLogs(context.WithoutCancel(ctx), id, container.LogsOptions{ShowStdout: true, ShowStderr: true}); lerr == nil {
		_, _ = stdcopy.StdCopy(&out, &out, rc)
		rc.Close()
	}
	if err != nil {
		return out.String(), err
	}
	if code != 0 {
		return out.String(), fmt.Errorf("provisioning exited with code %d", code)
	}
	return out.String(), nil
}

func (p *Provisioner) removeVolume(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Client.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		logger.WithError(err).WithField("volume", name).Warn("remove build volume")
	}
}

// createContainer creates a container, pulling the image once if it is missing.
func createContainer(ctx context.Context, cli *client.Client, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if errdefs.IsNotFound(err) {
		logger.WithField("image", cfg.Image).Info("pulling image")
		rc, perr := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if perr != nil {
			return "", fmt.Errorf("pull %s: %w", cfg.Image, perr)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		resp, err = cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

// removeContainer force-removes id with a context of its own so cleanup
// happens even after the caller's context ended.
func removeContainer(cli *client.Client, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		logger.WithError(err).WithField("container", shortID(id)).Error("remove container")
	}
}

// waitExit blocks until the container stops and returns its exit code.
func waitExit(ctx context.Context, cli *client.Client, id string) (int64, error) {
	statusCh, errCh := cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container: %w", err)
		}
		return -1, fmt.Errorf("container wait channel closed unexpectedly")
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
