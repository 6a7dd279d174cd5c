package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, 15, cfg.Heartbeat.PeriodMinutes)
	require.Equal(t, 1.5, cfg.Heartbeat.SuspectAfter)
	require.Equal(t, 3.0, cfg.Heartbeat.DownAfter)
	require.Equal(t, 7, cfg.Heartbeat.RetentionDays)
	require.Equal(t, 15*time.Minute, cfg.HeartbeatPeriod())
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
auth:
  daemon_jwt_secret: test-secret
heartbeat:
  period_m: 5
  suspect_after: 2.0
  down_after: 4.0
notifications:
  webhook_url: http://localhost:9999/hook
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "test-secret", cfg.Auth.DaemonJWTSecret)
	require.Equal(t, 5, cfg.Heartbeat.PeriodMinutes)
	require.Equal(t, 2.0, cfg.Heartbeat.SuspectAfter)
	require.Equal(t, "http://localhost:9999/hook", cfg.Notifications.WebhookURL)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Listen)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FIM_LISTEN", ":7070")
	t.Setenv("FIM_DAEMON_JWT_SECRET", "env-secret")
	t.Setenv("FIM_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, "env-secret", cfg.Auth.DaemonJWTSecret)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.ErrorIs(t, cfg.Validate(), ErrMissingDaemonSecret)

	cfg.Auth.DaemonJWTSecret = "s"
	cfg.Heartbeat.PeriodMinutes = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidPeriod)

	cfg.Heartbeat.PeriodMinutes = 15
	cfg.Heartbeat.SuspectAfter = 2.0
	cfg.Heartbeat.DownAfter = 1.5
	require.ErrorIs(t, cfg.Validate(), ErrInvalidThresholds)
}

func TestValidateRepairsSoftFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.DaemonJWTSecret = "s"
	cfg.Heartbeat.SuspectAfter = 0.5
	cfg.Heartbeat.RetentionDays = -1
	cfg.Tracing.SampleRatio = 5

	require.NoError(t, cfg.Validate())
	require.Equal(t, 1.5, cfg.Heartbeat.SuspectAfter)
	require.Equal(t, 7, cfg.Heartbeat.RetentionDays)
	require.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}
