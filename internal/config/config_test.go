package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Moderation.ReportThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Moderation.ReportWindow)
	assert.Equal(t, 24*time.Hour, cfg.Moderation.BanDuration)
	assert.Equal(t, "nudity", cfg.Moderation.DefaultReportReason)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.NATS.URL)
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		envListenAddr:          "127.0.0.1:9000",
		envWorkerPoolSize:      "8",
		envReadTimeout:         "3s",
		envTrustProxy:          "true",
		envRedisAddr:           "redis:6379",
		envNATSURL:             "nats://nats:4222",
		envReportThreshold:     "5",
		envBanDuration:         "2h",
		envDefaultReportReason: "spam",
		envLogLevel:            "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 8, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Server.TrustProxy)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, 5, cfg.Moderation.ReportThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Moderation.BanDuration)
	assert.Equal(t, "spam", cfg.Moderation.DefaultReportReason)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched values keep their defaults.
	assert.Equal(t, Default().Server.WriteTimeout, cfg.Server.WriteTimeout)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		envWorkerPoolSize: "many",
		envReportWindow:   "a day",
		envTrustProxy:     "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), envWorkerPoolSize)
	assert.Contains(t, err.Error(), envReportWindow)
	assert.Contains(t, err.Error(), envTrustProxy)
}

func TestMergeYAML(t *testing.T) {
	cfg := Default()
	err := cfg.mergeYAML([]byte(`
server:
  listen_addr: ":7000"
  heartbeat_interval: 10s
moderation:
  report_threshold: 4
  report_window: 12h
nats:
  url: nats://localhost:4222
`))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Moderation.ReportThreshold)
	assert.Equal(t, 12*time.Hour, cfg.Moderation.ReportWindow)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, Default().Server.WorkerPoolSize, cfg.Server.WorkerPoolSize)
}

func TestMergeYAML_UnknownKey(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.mergeYAML([]byte("server:\n  listen_adr: \":1\"\n")))
}

func TestMergeYAML_Empty(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.mergeYAML(nil))
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rawchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\nserver:\n  listen_addr: \":7000\"\n"), 0o600))
	t.Setenv(envListenAddr, ":7100")
	t.Setenv(envLogLevel, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":7100", cfg.Server.ListenAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"zero workers", func(c *Config) { c.Server.WorkerPoolSize = 0 }},
		{"heartbeat timeout below interval", func(c *Config) { c.Server.HeartbeatTimeout = c.Server.HeartbeatInterval }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero threshold", func(c *Config) { c.Moderation.ReportThreshold = 0 }},
		{"negative ban", func(c *Config) { c.Moderation.BanDuration = -time.Hour }},
		{"blank default reason", func(c *Config) { c.Moderation.DefaultReportReason = " " }},
		{"zero connect limit", func(c *Config) { c.RateLimit.ConnectLimit = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
