package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Agent.Connect.RetryCount)
	assert.Equal(t, 5*time.Second, cfg.Agent.Connect.RetryDelay())
	assert.Equal(t, 5*time.Second, cfg.Agent.Connect.ProbeDuration())
	assert.Equal(t, 30*time.Minute, cfg.Agent.ReconnectInterval)
	assert.Equal(t, "work/logs", cfg.Agent.LogDir)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	content := `
http:
  addr: ":9000"
agent:
  connect:
    retryCount: 5
    retryInterval: 250
  reconnectInterval: 10m
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("AGENT_CONNECT_RETRY_COUNT", "7")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 7, cfg.Agent.Connect.RetryCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.Connect.RetryDelay())
	assert.Equal(t, 10*time.Minute, cfg.Agent.ReconnectInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agent.Connect.RetryCount)
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Auth.JWTSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("AGENT_CONNECT_RETRY_COUNT", "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadEnvBeatsFileBeatsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := `
redis:
  url: redis://file:6379
agent:
  logDir: /var/file-logs
  connect:
    probeTimeout: 1500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("REDIS_URL", "redis://env:6379")
	t.Setenv("AGENT_LOG_DIR", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://env:6379", cfg.Redis.URL)
	// an empty variable does not override the file
	assert.Equal(t, "/var/file-logs", cfg.Agent.LogDir)
	assert.Equal(t, 1500*time.Millisecond, cfg.Agent.Connect.ProbeDuration())
	assert.Equal(t, "admin", cfg.Auth.AdminUser)
	assert.Equal(t, "https://github.com/Nnyjk/es-agents/releases/latest/download", cfg.Agent.ReleaseBaseURL)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
