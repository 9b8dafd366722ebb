package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "/cp_root", cfg.CPRoot)
	require.Equal(t, 50, cfg.Worker.Concurrency)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cp_root: /data/cps
postgres:
  dsn: postgres://localhost/capi
worker:
  id: team-a
  concurrency: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/cps", cfg.CPRoot)
	require.Equal(t, "postgres://localhost/capi", cfg.Postgres.DSN)
	require.Equal(t, "team-a", cfg.Worker.ID)
	require.Equal(t, 5, cfg.Worker.Concurrency)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  id: team-a
`), 0o644))

	t.Setenv("AIXCC_WORKER_ID", "team-b")
	t.Setenv("AIXCC_MOCK_MODE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "team-b", cfg.Worker.ID)
	require.True(t, cfg.MockMode)
}
