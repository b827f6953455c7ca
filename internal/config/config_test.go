package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.Equal(t, 64, cfg.Index.EfSearch)
	assert.Equal(t, 20, cfg.Query.DefaultMaxResults)
	assert.Equal(t, 0.3, cfg.Query.MinScore)
	assert.Equal(t, 30*time.Second, cfg.Query.Deadline)
	assert.Equal(t, 5*time.Minute, cfg.Cache.QueryTTL)
	assert.Equal(t, time.Hour, cfg.Cache.EmbeddingTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Reload.Debounce)
	assert.Equal(t, 16, cfg.Server.MaxInFlight)
	assert.Equal(t, "queue", cfg.Server.Overflow)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
index:
  ef_search: 128
server:
  overflow: reject
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Index.EfSearch)
	assert.Equal(t, "reject", cfg.Server.Overflow)
	// Untouched sections keep their defaults.
	assert.Equal(t, 16, cfg.Index.M)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: [broken"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	cfg := Default()
	cfg.Embeddings.Provider = "magic"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Embeddings.Provider = "http"
	cfg.Embeddings.Endpoint = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Overflow = "drop"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Query.MinScore = 1.5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Version = 99
	require.Error(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ASTMCP_LOG_LEVEL", "debug")
	t.Setenv("ASTMCP_MAX_IN_FLIGHT", "4")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 4, cfg.Server.MaxInFlight)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Index.EfSearch = 200
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200, loaded.Index.EfSearch)
}
