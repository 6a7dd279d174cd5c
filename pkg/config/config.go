// Package config loads the server configuration from YAML with environment
// overrides. Every protocol tunable (heartbeat period, degradation
// multipliers, retention) lives here; nothing in the state machines is a hard
// constant.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Listen        string              `yaml:"listen"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Notifications NotificationsConfig `yaml:"notifications"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	DaemonJWTSecret string `yaml:"daemon_jwt_secret"`
	DaemonTokenTTL  int    `yaml:"daemon_token_ttl_h"`
	AdminToken      string `yaml:"admin_token"`
	AdminUsername   string `yaml:"admin_username"`
	AdminPassword   string `yaml:"admin_password"`
}

type HeartbeatConfig struct {
	PeriodMinutes       int     `yaml:"period_m"`
	SuspectAfter        float64 `yaml:"suspect_after"`
	DownAfter           float64 `yaml:"down_after"`
	GapToleranceMinutes int     `yaml:"gap_tolerance_m"`
	RetentionDays       int     `yaml:"retention_days"`
	WatchdogMinutes     int     `yaml:"watchdog_interval_m"`
	ReconcileHours      int     `yaml:"reconcile_interval_h"`
}

type NotificationsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutS   int    `yaml:"timeout_s"`
	MaxRetries int    `yaml:"max_retries"`
}

type RateLimitConfig struct {
	RegisterPerMinute int `yaml:"register_per_minute"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Listen:   ":8080",
		Database: DatabaseConfig{Path: "fim.db"},
		Auth: AuthConfig{
			DaemonTokenTTL: 30 * 24,
			AdminUsername:  "admin",
		},
		Heartbeat: HeartbeatConfig{
			PeriodMinutes:       15,
			SuspectAfter:        1.5,
			DownAfter:           3.0,
			GapToleranceMinutes: 1,
			RetentionDays:       7,
			WatchdogMinutes:     5,
			ReconcileHours:      24,
		},
		Notifications: NotificationsConfig{
			TimeoutS:   5,
			MaxRetries: 3,
		},
		RateLimit: RateLimitConfig{RegisterPerMinute: 10},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			HumanReadable: true,
		},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// Load reads config from file with env var overrides
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if listen := os.Getenv("FIM_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if dbPath := os.Getenv("FIM_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if secret := os.Getenv("FIM_DAEMON_JWT_SECRET"); secret != "" {
		cfg.Auth.DaemonJWTSecret = secret
	}
	if token := os.Getenv("FIM_ADMIN_TOKEN"); token != "" {
		cfg.Auth.AdminToken = token
	}
	if password := os.Getenv("FIM_ADMIN_PASSWORD"); password != "" {
		cfg.Auth.AdminPassword = password
	}
	if url := os.Getenv("FIM_WEBHOOK_URL"); url != "" {
		cfg.Notifications.WebhookURL = url
	}
	if level := os.Getenv("FIM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Auth.DaemonJWTSecret == "" {
		return ErrMissingDaemonSecret
	}
	if c.Heartbeat.PeriodMinutes < 1 {
		return ErrInvalidPeriod
	}
	if c.Heartbeat.SuspectAfter <= 1 {
		c.Heartbeat.SuspectAfter = 1.5
	}
	if c.Heartbeat.DownAfter <= c.Heartbeat.SuspectAfter {
		return ErrInvalidThresholds
	}
	if c.Auth.DaemonTokenTTL <= 0 {
		c.Auth.DaemonTokenTTL = 30 * 24
	}
	if c.Heartbeat.RetentionDays <= 0 {
		c.Heartbeat.RetentionDays = 7
	}
	if c.Heartbeat.WatchdogMinutes <= 0 {
		c.Heartbeat.WatchdogMinutes = 5
	}
	if c.Heartbeat.ReconcileHours <= 0 {
		c.Heartbeat.ReconcileHours = 24
	}
	if c.Notifications.TimeoutS <= 0 {
		c.Notifications.TimeoutS = 5
	}
	if c.Notifications.MaxRetries < 0 {
		c.Notifications.MaxRetries = 0
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// HeartbeatPeriod returns the nominal heartbeat interval T.
func (c *ServerConfig) HeartbeatPeriod() time.Duration {
	return time.Duration(c.Heartbeat.PeriodMinutes) * time.Minute
}

var (
	ErrMissingDaemonSecret = &Error{"daemon JWT secret is required"}
	ErrInvalidPeriod       = &Error{"heartbeat period must be >= 1m"}
	ErrInvalidThresholds   = &Error{"down threshold must exceed suspect threshold"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
