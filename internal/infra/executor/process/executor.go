package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

const scriptName = "script.py"

// Executor runs each invocation in a fresh temporary directory with an
// environment built only from the invocation inputs.
type Executor struct {
	// WorkRoot holds the per-invocation directories; empty means os.TempDir().
	WorkRoot string
	// Interpreter overrides <environment>/bin/python.
	Interpreter string
	// MaxOutputBytes caps the captured stdout and stderr each; 0 means 1 MiB.
	MaxOutputBytes int
	// RunAs drops the script to this uid/gid; nil keeps the engine's own.
	RunAs   *syscall.Credential
	Metrics *telemetry.Metrics

	active atomic.Int64
}

// Active returns the number of execution contexts currently alive.
func (e *Executor) Active() int {
	return int(e.active.Load())
}

func (e *Executor) Execute(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
	e.active.Add(1)
	e.Metrics.SandboxStarted()
	defer func() {
		e.active.Add(-1)
		e.Metrics.SandboxStopped()
	}()

	workDir, err := os.MkdirTemp(e.WorkRoot, "analyzer-run-")
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := os.WriteFile(filepath.Join(workDir, scriptName), inv.Script, 0o600); err != nil {
		return sandbox.Result{}, fmt.Errorf("write script: %w", err)
	}
	if e.RunAs != nil {
		if err := chownAll(workDir, int(e.RunAs.Uid), int(e.RunAs.Gid)); err != nil {
			return sandbox.Result{}, fmt.Errorf("hand work dir to sandbox user: %w", err)
		}
	}

	interp := e.Interpreter
	if interp == "" {
		interp = filepath.Join(inv.Environment.Location, "bin", "python")
	}
	cmd := exec.Command(interp, scriptName)
	cmd.Dir = workDir
	cmd.Env = e.environ(inv, workDir)
	// own process group so the whole tree can be killed
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: e.RunAs}

	limit := e.MaxOutputBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return sandbox.Result{}, fmt.Errorf("start script: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	res := sandbox.Result{}
	select {
	case err = <-done:
	case <-timeout:
		res.TimedOut = true
		err = kill(cmd, done)
	case <-ctx.Done():
		res.TimedOut = true
		err = kill(cmd, done)
	}
	res.Duration = time.Since(start)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("wait for script: %w", err)
	}

	result := "ok"
	switch {
	case res.TimedOut:
		result = "timeout"
	case res.ExitCode != 0:
		result = "error"
	}
	e.Metrics.SandboxRun(result, res.Duration)
	return res, nil
}

// Nobody is the credential used when the engine runs as root.
func Nobody() *syscall.Credential {
	return &syscall.Credential{Uid: 65534, Gid: 65534}
}

func chownAll(dir string, uid, gid int) error {
	if err := os.Chown(dir, uid, gid); err != nil {
		return err
	}
	return os.Chown(filepath.Join(dir, scriptName), uid, gid)
}

// kill terminates the process group and waits for the process to exit.
func kill(cmd *exec.Cmd, done <-chan error) error {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return <-done
}

// environ is an allowlist: no host variable reaches the script.
func (e *Executor) environ(inv sandbox.Invocation, workDir string) []string {
	path := "/usr/local/bin:/usr/bin:/bin"
	env := []string{
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	if loc := inv.Environment.Location; loc != "" {
		path = filepath.Join(loc, "bin") + ":" + path
		env = append(env, "VIRTUAL_ENV="+loc)
	}
	env = append(env, "PATH="+path)
	return append(env, sandbox.EnvVars(inv.Inputs)...)
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
