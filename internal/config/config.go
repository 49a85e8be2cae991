// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then environment variables. Later sources win.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rawchat/rawchat/internal/logging"
)

// Environment variables.
const (
	EnvConfigFile = "RAWCHAT_CONFIG"

	envListenAddr        = "LISTEN_ADDR"
	envWorkerPoolSize    = "WORKER_POOL_SIZE"
	envMaxConnections    = "MAX_CONNECTIONS"
	envReadTimeout       = "READ_TIMEOUT"
	envWriteTimeout      = "WRITE_TIMEOUT"
	envHeartbeatInterval = "HEARTBEAT_INTERVAL"
	envHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	envTrustProxy        = "TRUST_PROXY"

	envLogLevel  = "LOG_LEVEL"
	envLogFormat = "LOG_FORMAT"

	envRedisAddr   = "REDIS_ADDR"
	envNATSURL     = "NATS_URL"
	envDatabaseURL = "DATABASE_URL"

	envReportThreshold     = "REPORT_THRESHOLD"
	envReportWindow        = "REPORT_WINDOW"
	envBanDuration         = "BAN_DURATION"
	envBanReason           = "BAN_REASON"
	envDefaultReportReason = "DEFAULT_REPORT_REASON"

	envConnectRateLimit  = "CONNECT_RATE_LIMIT"
	envConnectRateWindow = "CONNECT_RATE_WINDOW"
	envReportRateLimit   = "REPORT_RATE_LIMIT"
	envReportRateWindow  = "REPORT_RATE_WINDOW"
)

// Config is the full process configuration. Zero-valued optional endpoints
// (Redis, NATS, Database) disable the component that uses them.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Database   DatabaseConfig   `yaml:"database"`
	Moderation ModerationConfig `yaml:"moderation"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	WorkerPoolSize    int           `yaml:"worker_pool_size"`
	MaxConnections    int           `yaml:"max_connections"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	TrustProxy        bool          `yaml:"trust_proxy"` // take the client address from X-Forwarded-For
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig configures the rate limiter backend.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig configures moderation event export.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig configures the audit database used by the auditor.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ModerationConfig is the report and ban policy.
type ModerationConfig struct {
	ReportThreshold     int           `yaml:"report_threshold"`
	ReportWindow        time.Duration `yaml:"report_window"`
	BanDuration         time.Duration `yaml:"ban_duration"`
	BanReason           string        `yaml:"ban_reason"`
	DefaultReportReason string        `yaml:"default_report_reason"`
}

// RateLimitConfig bounds connection attempts per client address and reports
// per device. Only enforced when Redis is configured.
type RateLimitConfig struct {
	ConnectLimit  int           `yaml:"connect_limit"`
	ConnectWindow time.Duration `yaml:"connect_window"`
	ReportLimit   int           `yaml:"report_limit"`
	ReportWindow  time.Duration `yaml:"report_window"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			WorkerPoolSize:    256,
			MaxConnections:    100000,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      5 * time.Second,
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Moderation: ModerationConfig{
			ReportThreshold:     3,
			ReportWindow:        24 * time.Hour,
			BanDuration:         24 * time.Hour,
			BanReason:           "Multiple reports received",
			DefaultReportReason: "nudity",
		},
		RateLimit: RateLimitConfig{
			ConnectLimit:  50,
			ConnectWindow: time.Hour,
			ReportLimit:   10,
			ReportWindow:  time.Hour,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.mergeYAML(data); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// mergeYAML overlays the fields present in data. Unknown keys are rejected.
func (c *Config) mergeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// applyEnv overlays every variable that getenv reports as non-empty.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = b
	}

	str(envListenAddr, &c.Server.ListenAddr)
	num(envWorkerPoolSize, &c.Server.WorkerPoolSize)
	num(envMaxConnections, &c.Server.MaxConnections)
	dur(envReadTimeout, &c.Server.ReadTimeout)
	dur(envWriteTimeout, &c.Server.WriteTimeout)
	dur(envHeartbeatInterval, &c.Server.HeartbeatInterval)
	dur(envHeartbeatTimeout, &c.Server.HeartbeatTimeout)
	boolean(envTrustProxy, &c.Server.TrustProxy)

	str(envLogLevel, &c.Log.Level)
	str(envLogFormat, &c.Log.Format)

	str(envRedisAddr, &c.Redis.Addr)
	str(envNATSURL, &c.NATS.URL)
	str(envDatabaseURL, &c.Database.URL)

	num(envReportThreshold, &c.Moderation.ReportThreshold)
	dur(envReportWindow, &c.Moderation.ReportWindow)
	dur(envBanDuration, &c.Moderation.BanDuration)
	str(envBanReason, &c.Moderation.BanReason)
	str(envDefaultReportReason, &c.Moderation.DefaultReportReason)

	num(envConnectRateLimit, &c.RateLimit.ConnectLimit)
	dur(envConnectRateWindow, &c.RateLimit.ConnectWindow)
	num(envReportRateLimit, &c.RateLimit.ReportLimit)
	dur(envReportRateWindow, &c.RateLimit.ReportWindow)

	return errors.Join(errs...)
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.Server.ListenAddr != "", "server.listen_addr is required")
	check(c.Server.WorkerPoolSize > 0, "server.worker_pool_size must be positive, got %d", c.Server.WorkerPoolSize)
	check(c.Server.MaxConnections > 0, "server.max_connections must be positive, got %d", c.Server.MaxConnections)
	check(c.Server.ReadTimeout > 0, "server.read_timeout must be positive")
	check(c.Server.WriteTimeout > 0, "server.write_timeout must be positive")
	check(c.Server.HeartbeatInterval > 0, "server.heartbeat_interval must be positive")
	check(c.Server.HeartbeatTimeout > c.Server.HeartbeatInterval,
		"server.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)", c.Server.HeartbeatTimeout, c.Server.HeartbeatInterval)

	if err := logging.Validate(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be json or console, got %q", c.Log.Format))
	}

	check(c.Moderation.ReportThreshold > 0, "moderation.report_threshold must be positive, got %d", c.Moderation.ReportThreshold)
	check(c.Moderation.ReportWindow > 0, "moderation.report_window must be positive")
	check(c.Moderation.BanDuration > 0, "moderation.ban_duration must be positive")
	check(strings.TrimSpace(c.Moderation.DefaultReportReason) != "", "moderation.default_report_reason is required")

	check(c.RateLimit.ConnectLimit > 0, "rate_limit.connect_limit must be positive")
	check(c.RateLimit.ConnectWindow > 0, "rate_limit.connect_window must be positive")
	check(c.RateLimit.ReportLimit > 0, "rate_limit.report_limit must be positive")
	check(c.RateLimit.ReportWindow > 0, "rate_limit.report_window must be positive")

	return errors.Join(errs...)
}
