package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: postgres
  host: db
  port: 5432
  user: staff
  password: secret
  name: analyzers
sandbox:
  driver: process
  timeout: 30s
worker:
  concurrency: 2
  projectParallelism: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "process", cfg.Sandbox.Driver)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 4, cfg.Worker.ProjectParallelism)
	// untouched sections keep their defaults
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "python:3.11-slim", cfg.Sandbox.Image)
	assert.Equal(t, "host=db port=5432 user=staff password=secret dbname=analyzers sslmode=disable", cfg.PostgresDSN())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANALYZER_DB_DRIVER", "memory")
	t.Setenv("ANALYZER_SANDBOX_TIMEOUT", "45s")
	t.Setenv("ANALYZER_API_KEYS", "alice:k1, k2")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, map[string]string{"alice": "k1", "key2": "k2"}, cfg.Security.APIKeys)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	_, err := Load(writeConfig(t, "sandbox:\n  driver: firecracker\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox driver")
}

func TestMySQLDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.User = "u"
	cfg.Database.Password = "p"
	cfg.Database.Name = "d"
	assert.Equal(t, "u:p@tcp(localhost:3306)/d?parseTime=true&charset=utf8mb4&loc=UTC", cfg.MySQLDSN())
}
