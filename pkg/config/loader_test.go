package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-essam23/studyhub/pkg/logging"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(logging.Discard(), newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.Address())
	assert.False(t, cfg.Production())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, LimitModeCycle, cfg.ConnectionLimit.Mode)
	assert.Zero(t, cfg.Transport.ReadTimeout, "liveness comes from pings unless a read timeout is set")
	assert.Equal(t, 5*time.Second, cfg.Auth.VerifyTimeout)
	assert.Equal(t, 8, cfg.Video.MaxParticipants)
	assert.Empty(t, cfg.Backplane.RedisURL)
}

func TestLoadEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "4000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("NEXTJS_URL", "https://app.example/api/socket")
	t.Setenv("CONNECTION_LIMIT_MODE", "REJECT")
	t.Setenv("MAX_VIDEO_PARTICIPANTS", "4")
	t.Setenv("CHAT_RATE_PER_SECOND", "2.5")
	t.Setenv("READ_TIMEOUT", "90s")

	cfg, err := Load(logging.Discard(), newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Production())
	assert.Equal(t, "redis://cache:6379/0", cfg.Backplane.RedisURL)
	assert.Equal(t, "https://app.example/api/socket", cfg.Auth.IdentityURL)
	assert.Equal(t, LimitModeReject, cfg.ConnectionLimit.Mode)
	assert.Equal(t, 4, cfg.Video.MaxParticipants)
	assert.InDelta(t, 2.5, cfg.Chat.RatePerSecond, 0.001)
	assert.Equal(t, 90*time.Second, cfg.Transport.ReadTimeout)
}

func TestLoadFileThenFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 5000
log:
  level: warn
connectionLimit:
  maxPerUser: 2
`), 0o600))
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load(logging.Discard(), newFlags(t, "--config", path, "--port", "6000"))
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.Port, "explicit flag beats the file")
	assert.Equal(t, "error", cfg.Log.Level, "environment beats the file")
	assert.Equal(t, 2, cfg.ConnectionLimit.MaxPerUser)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("CONNECTION_LIMIT_MODE", "queue")
	_, err := Load(logging.Discard(), nil)
	assert.ErrorContains(t, err, "connection limit mode")

	t.Setenv("CONNECTION_LIMIT_MODE", "reject")
	t.Setenv("PORT", "70000")
	_, err = Load(logging.Discard(), nil)
	assert.ErrorContains(t, err, "invalid port")
}
