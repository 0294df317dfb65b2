package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
)

// shell scripts stand in for analyzer scripts so the tests need no Python
func newShellExecutor(t *testing.T) *Executor {
	t.Helper()
	return &Executor{WorkRoot: t.TempDir(), Interpreter: "/bin/sh"}
}

func TestExecuteCapturesOutput(t *testing.T) {
	e := newShellExecutor(t)
	res, err := e.Execute(context.Background(), sandbox.Invocation{
		Script:  []byte(`echo "log line" >&2; printf '{"url": "%s"}\n' "$url"`),
		Inputs:  map[string]any{"url": "https://a.test"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, `{"url": "https://a.test"}`+"\n", string(res.Stdout))
	assert.Equal(t, "log line\n", string(res.Stderr))
	assert.Equal(t, 0, e.Active())
}

func TestExecuteInjectsInputs(t *testing.T) {
	e := newShellExecutor(t)
	res, err := e.Execute(context.Background(), sandbox.Invocation{
		Script:  []byte(`echo "$size|$ok|$ANALYZER_INPUTS"`),
		Inputs:  map[string]any{"size": 3, "ok": true},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, `3|true|{"ok":true,"size":3}`+"\n", string(res.Stdout))
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := newShellExecutor(t)
	res, err := e.Execute(context.Background(), sandbox.Invocation{
		Script:  []byte(`echo boom >&2; exit 3`),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "boom\n", string(res.Stderr))
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	e := newShellExecutor(t)
	start := time.Now()
	res, err := e.Execute(context.Background(), sandbox.Invocation{
		Script:  []byte(`sleep 30 & sleep 30; echo never`),
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Empty(t, res.Stdout)
	assert.Equal(t, 0, e.Active())

	entries, err := os.ReadDir(e.WorkRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directory must be removed")
}

func TestExecuteDoesNotLeakHostEnvironment(t *testing.T) {
	t.Setenv("ANALYZER_SECRET", "hunter2")
	e := newShellExecutor(t)
	res, err := e.Execute(context.Background(), sandbox.Invocation{
		Script:  []byte(`env`),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.NotContains(t, string(res.Stdout), "hunter2")
	assert.Contains(t, string(res.Stdout), "ANALYZER_INPUTS={}")
}

func TestExecuteFreshDirectoryPerRun(t *testing.T) {
	e := newShellExecutor(t)
	inv := sandbox.Invocation{Script: []byte(`ls; touch leftover`), Timeout: 5 * time.Second}
	for i := 0; i < 2; i++ {
		res, err := e.Execute(context.Background(), inv)
		require.NoError(t, err)
		assert.Equal(t, "script.py\n", string(res.Stdout))
	}
}

func TestExecuteCapsOutput(t *testing.T) {
	e := newShellExecutor(t)
	e.MaxOutputBytes = 10
	res, err := e.Execute(context.Background(), sandbox.Invocation{
		Script:  []byte(`printf '0123456789abcdef'`),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(res.Stdout))
}

func TestExecuteMissingInterpreterIsError(t *testing.T) {
	e := &Executor{WorkRoot: t.TempDir(), Interpreter: "/nonexistent/python"}
	_, err := e.Execute(context.Background(), sandbox.Invocation{Script: []byte("x"), Timeout: time.Second})
	assert.Error(t, err)
	assert.Equal(t, 0, e.Active())
}

func TestProvisionerLookupAndHealth(t *testing.T) {
	root := t.TempDir()
	p := &Provisioner{Root: root}
	ctx := context.Background()

	_, ok, err := p.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "abc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "abc", readyMarker), nil, 0o644))

	env, ok, err := p.Lookup(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "abc"), env.Location)
	assert.True(t, p.Healthy(ctx, env))

	require.NoError(t, os.RemoveAll(env.Location))
	assert.False(t, p.Healthy(ctx, env))
}

func TestProvisionFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	p := &Provisioner{Root: root, Python: "false"}

	_, err := p.Provision(context.Background(), "abc", []byte("requests"))
	var perr *sandbox.ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "abc", perr.Hash)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// sandboxRoot is a temp dir the nobody user can traverse. Sealed trees
// inside it are removed on cleanup.
func sandboxRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "analyzer-process-")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o755))
	t.Cleanup(func() { _ = removeTree(dir) })
	return dir
}

// fakeVenv stands in for python: "-m venv <dir>" only creates dir.
func fakeVenv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "python")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nmkdir -p \"$3/bin\"\n"), 0o755))
	return path
}

func TestProvisionReplacesDirectoryWithoutMarker(t *testing.T) {
	root := sandboxRoot(t)
	p := &Provisioner{Root: root, Python: fakeVenv(t)}
	ctx := context.Background()

	env, err := p.Provision(ctx, "h1", nil)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(env.Location, 0o755))
	require.NoError(t, os.Remove(filepath.Join(env.Location, readyMarker)))
	require.NoError(t, os.WriteFile(filepath.Join(env.Location, "junk"), []byte("x"), 0o644))
	assert.False(t, p.Healthy(ctx, env))

	for i := 0; i < 2; i++ {
		env, err = p.Provision(ctx, "h1", nil)
		require.NoError(t, err)
		assert.True(t, p.Healthy(ctx, env))
	}
	assert.NoFileExists(t, filepath.Join(env.Location, "junk"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "h1", entries[0].Name())
}

func TestProvisionSealsEnvironment(t *testing.T) {
	p := &Provisioner{Root: sandboxRoot(t), Python: fakeVenv(t)}
	env, err := p.Provision(context.Background(), "h1", nil)
	require.NoError(t, err)

	for _, path := range []string{env.Location, filepath.Join(env.Location, "bin"), filepath.Join(env.Location, readyMarker)} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Zero(t, info.Mode().Perm()&0o222, path)
	}
}

func TestScriptCannotWriteIntoEnvironment(t *testing.T) {
	p := &Provisioner{Root: sandboxRoot(t), Python: fakeVenv(t)}
	env, err := p.Provision(context.Background(), "h1", nil)
	require.NoError(t, err)

	e := &Executor{WorkRoot: sandboxRoot(t), Interpreter: "/bin/sh"}
	if os.Geteuid() == 0 {
		e.RunAs = Nobody()
	}
	inv := sandbox.Invocation{
		Environment: env,
		Script:      []byte(`echo leak > "$VIRTUAL_ENV/leak.txt" && echo wrote`),
		Timeout:     5 * time.Second,
	}
	res, err := e.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Empty(t, res.Stdout)
	assert.NoFileExists(t, filepath.Join(env.Location, "leak.txt"))

	// the next run still sees only its own work dir
	inv.Script = []byte(`cat "$VIRTUAL_ENV/leak.txt" 2>/dev/null || echo clean`)
	res, err = e.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "clean\n", string(res.Stdout))
}

func TestProvisionBuildsVirtualenv(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	if out, err := exec.Command(python, "-c", "import venv, ensurepip").CombinedOutput(); err != nil {
		t.Skipf("venv unavailable: %s", out)
	}
	p := &Provisioner{Root: sandboxRoot(t), Python: python, Timeout: 2 * time.Minute}

	env, err := p.Provision(context.Background(), sandbox.BareHash, nil)
	require.NoError(t, err)
	assert.True(t, p.Healthy(context.Background(), env))

	e := &Executor{WorkRoot: sandboxRoot(t)}
	if os.Geteuid() == 0 {
		e.RunAs = Nobody()
	}
	res, err := e.Execute(context.Background(), sandbox.Invocation{
		Environment: env,
		Script:      []byte("import sys\nprint(sys.prefix != sys.base_prefix)"),
		Timeout:     30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "True", strings.TrimSpace(string(res.Stdout)))

	res, err = e.Execute(context.Background(), sandbox.Invocation{
		Environment: env,
		Script:      []byte("import os, sys\nopen(os.path.join(sys.prefix, 'leak.txt'), 'w').write('x')"),
		Timeout:     30 * time.Second,
	})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stderr), "PermissionError")
}
