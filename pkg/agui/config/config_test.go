package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "agentbridge", cfg.AppName)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Runner.MaxToolCycles)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_name: weatherbot
server:
  port: 9090
store:
  backend: sqlite
  path: /tmp/weatherbot.db
runner:
  max_tool_cycles: 3
identity:
  static_user_id: dev-user
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "weatherbot", cfg.AppName)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Runner.MaxToolCycles)
	assert.Equal(t, "dev-user", cfg.Identity.StaticUserID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{
		AppName: "",
		Server:  ServerConfig{Port: -1},
		Store:   StoreConfig{Backend: "cassandra"},
		Runner:  RunnerConfig{MaxToolCycles: 0},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_name")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "store.backend")
	assert.Contains(t, err.Error(), "max_tool_cycles")
}

func TestValidate_BackendRequirements(t *testing.T) {
	cfg := &Config{
		AppName: "x",
		Server:  ServerConfig{Port: 8080},
		Store:   StoreConfig{Backend: "postgres"},
		Runner:  RunnerConfig{MaxToolCycles: 1},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.dsn")

	cfg.Store = StoreConfig{Backend: "sqlite", Path: "state.db"}
	assert.NoError(t, cfg.Validate())
}
