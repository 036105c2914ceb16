package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.ServerAddr)
	assert.Equal(t, "memory", cfg.Graph.Backend)
	assert.Equal(t, "http://localhost:8093", cfg.Broker.URL)
	assert.Equal(t, 3, cfg.Worker.Workers)
	assert.True(t, cfg.Identity.Deterministic)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("GRAPH_BACKEND", "neo4j")
	t.Setenv("NEO4J_PASSWORD", "secret")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("RATE_GLOBAL_RPS", "250")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ServerAddr)
	assert.Equal(t, "neo4j", cfg.Graph.Backend)
	assert.Equal(t, "secret", cfg.Graph.Neo4j().Password)
	assert.Equal(t, 8, cfg.Worker.Workers)
	assert.Equal(t, 250, cfg.RateLimiter.GlobalRPS)
}

func TestLoadYAMLFileWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":7070"
graph:
  backend: falkordb
  falkordb_addr: "falkor:6379"
webhook_targets:
  - name: audit
    url: http://audit.internal/hook
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_ADDR", ":9999") // the file outranks the environment

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ServerAddr)
	assert.Equal(t, "falkordb", cfg.Graph.Backend)
	assert.Equal(t, "falkor:6379", cfg.Graph.Falkor().Addr)
	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, "audit", cfg.Targets[0].Name)
}

func TestLoadMissingFileErrors(t *testing.T) {
	t.Setenv("CONFIG_FILE", "/does/not/exist.yaml")
	_, err := Load()
	assert.Error(t, err)
}
