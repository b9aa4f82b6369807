package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"conversation-realtime/poll"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
source:
  base_url: https://feed.example.com
  token: secret
  attempts: 4
poll:
  min_interval: 10s
  max_interval: 2m
  default_interval: 20s
  min_backoff: 2s
  max_backoff: 30s
thread:
  order: oldest
  capacity: 50
storage:
  local_path: /var/lib/rtsync
notify:
  provider: nats
  nats_url: nats://127.0.0.1:4222
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() *Config {
	return &Config{
		Server:  Server{Port: 8080, RateLimit: 10},
		Source:  Source{BaseURL: "https://feed.example.com", Attempts: 3, Timeout: 15 * time.Second},
		Poll:    Poll{MinInterval: 5 * time.Second, MaxInterval: 5 * time.Minute, DefaultInterval: 30 * time.Second, MinBackoff: time.Second, MaxBackoff: time.Minute, TypingKey: "NewComment"},
		Thread:  Thread{Order: "newest", Capacity: 100},
		Storage: Storage{LocalPath: "/tmp/rtsync"},
		Cache:   Cache{Enabled: true, SizeMB: 1, TTL: time.Second},
		Notify:  Notify{Provider: "log", SubjectPrefix: "rtsync"},
		Log:     Log{Level: "info"},
	}
}

func TestLoadFile(t *testing.T) {
	conf, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", conf.Addr())
	assert.Equal(t, uint(4), conf.Source.Attempts)
	assert.Equal(t, 10*time.Second, conf.Poll.MinInterval)
	assert.Equal(t, poll.OldestFirst, conf.Order())
	assert.Equal(t, slog.LevelDebug, conf.SlogLevel())

	// Unset keys keep their defaults.
	assert.Equal(t, "NewComment", conf.Poll.TypingKey)
	assert.Equal(t, 15*time.Second, conf.Source.Timeout)
	assert.Equal(t, "rtsync", conf.Notify.SubjectPrefix)
	assert.True(t, conf.Cache.Enabled)

	pc := conf.PollConfig()
	assert.Equal(t, 2*time.Minute, pc.MaxInterval)
	assert.Equal(t, 15*time.Second, pc.FetchTimeout)

	fc := conf.FetchConfig()
	assert.Equal(t, "https://feed.example.com", fc.BaseURL)
	assert.Equal(t, "secret", fc.Token)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RTSYNC_SERVER_PORT", "7070")
	t.Setenv("RTSYNC_POLL_MAX_BACKOFF", "45s")
	t.Setenv("RTSYNC_NOTIFY_PROVIDER", "log")

	conf, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7070, conf.Server.Port)
	assert.Equal(t, 45*time.Second, conf.Poll.MaxBackoff)
	assert.Equal(t, "log", conf.Notify.Provider)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("RTSYNC_SOURCE_BASE_URL", "https://feed.example.com")
	t.Setenv("RTSYNC_STORAGE_BUCKET", "watches")

	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "watches", conf.Storage.Bucket)
	assert.Equal(t, poll.NewestFirst, conf.Order())
	assert.Equal(t, slog.LevelInfo, conf.SlogLevel())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"missing base url", func(c *Config) { c.Source.BaseURL = "" }},
		{"unknown order", func(c *Config) { c.Thread.Order = "random" }},
		{"unknown provider", func(c *Config) { c.Notify.Provider = "carrier-pigeon" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"no storage", func(c *Config) { c.Storage = Storage{} }},
		{"nats without url", func(c *Config) { c.Notify.Provider = "nats" }},
		{"webhook without url", func(c *Config) { c.Notify.Provider = "webhook" }},
		{"backoff too large for interval", func(c *Config) { c.Poll.MinBackoff = 3 * time.Second }},
		{"max interval below min", func(c *Config) { c.Poll.MaxInterval = time.Second }},
	}

	assert.NoError(t, validConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
