package bootstrap

import (
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appbatches "github.com/bryanwahyu/analyzer-engine/internal/application/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/memory"
)

const seedYAML = `
analyzers:
  - id: 1
    name: performance
    script: perf.py
    inputs:
      - {key_name: url, value_type: str}
    outputs:
      - {key_name: performance, value_type: range, extended_metadata: {fromRange: 0, toRange: 100}}
      - {key_name: ok, value_type: bool}
assignments: [7]
projects:
  - id: 10
    assignment_id: 7
    metadata: {url: "https://a.test", team: "x"}
  - id: 11
    assignment_id: 7
    metadata: {team: "y"}
`

const perfScript = `import json, os
url = os.environ.get("url")
print(json.dumps({"performance": 88.5 if url else 0, "ok": bool(url), "extra": 1}))
`

func writeSeed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "perf.py"), []byte(perfScript), 0o644))
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))
	return path
}

func TestLoadSeed(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, LoadSeed(writeSeed(t), store))
	ctx := context.Background()

	a, err := store.GetAnalyzer(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.HasScript)
	assert.False(t, a.HasRequirements)
	require.Len(t, a.Outputs, 2)
	b, ok := a.Outputs[0].Bounds()
	require.True(t, ok)
	assert.Equal(t, 100.0, *b.To)

	md, err := store.GetProjectMetadata(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "https://a.test", md["url"])

	script, err := store.Script(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, perfScript, string(script))

	ok, err = store.AssignmentExists(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadSeedRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("analyzers:\n  - id: 1\n    outputs:\n      - {key_name: x, value_type: float}\n"), 0o644))
	assert.ErrorContains(t, LoadSeed(path, memory.NewStore()), "unknown type")
}

// sandboxDir is a temp dir the nobody user can traverse, for runs as root.
func sandboxDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "analyzer-test-")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o755))
	t.Cleanup(func() {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				_ = os.Chmod(path, 0o755)
			}
			return nil
		})
		_ = os.RemoveAll(dir)
	})
	return dir
}

func memoryConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Database.Driver = "memory"
	cfg.Database.Seed = writeSeed(t)
	cfg.Queue.Driver = "memory"
	cfg.Sandbox.Driver = "process"
	cfg.Sandbox.EnvRoot = sandboxDir(t)
	cfg.Sandbox.WorkRoot = sandboxDir(t)
	cfg.Sandbox.Timeout = 30 * time.Second
	return cfg
}

func TestNewServesAPI(t *testing.T) {
	app, err := New(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer app.Close()

	h := app.Handler(func() bool { return true })
	for _, path := range []string{"/livez", "/readyz", "/health", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestEndToEndProcessSandbox(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	app, err := New(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	id, err := app.Dispatcher.SubmitRun(ctx, appbatches.RunRequest{
		AnalyzerID: 1, AssignmentID: 7, ProjectIDs: []projects.ID{10, 11},
	})
	require.NoError(t, err)

	go app.Worker.Start(ctx)

	var st *appbatches.BatchStatus
	require.Eventually(t, func() bool {
		st, err = app.Dispatcher.GetBatchStatus(ctx, id)
		return err == nil && st.Batch.Status.Terminal()
	}, 2*time.Minute, 100*time.Millisecond)

	assert.Equal(t, batches.StatusCompleted, st.Batch.Status)
	require.Len(t, st.Outcomes, 2)
	assert.Equal(t, map[string]any{"performance": 88.5, "ok": true}, st.Outcomes[0].Report)
	assert.Equal(t, map[string]any{"performance": 0.0, "ok": false}, st.Outcomes[1].Report)
}
