// Package config loads daemon settings from a YAML file and RTSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"conversation-realtime/fetch"
	"conversation-realtime/pkg/realtime"
	"conversation-realtime/poll"

	"github.com/gookit/validate"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RTSYNC_SOURCE_BASE_URL.
const EnvPrefix = "RTSYNC"

// Server configures the HTTP API listener.
type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"required|int|min:1|max:65535"`
	RateLimit       int           `mapstructure:"rate_limit" validate:"int|min:1"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Source configures the comment feed endpoint and its retry policy.
type Source struct {
	BaseURL  string        `mapstructure:"base_url" validate:"required|url"`
	Token    string        `mapstructure:"token"`
	Attempts uint          `mapstructure:"attempts" validate:"uint|min:1"`
	Delay    time.Duration `mapstructure:"delay"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Poll bounds the scheduler intervals and failure backoff.
type Poll struct {
	MinInterval     time.Duration `mapstructure:"min_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	MinBackoff      time.Duration `mapstructure:"min_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	DriftWarn       time.Duration `mapstructure:"drift_warn"`
	TypingKey       string        `mapstructure:"typing_key" validate:"required"`
}

// Thread configures merged comment lists.
type Thread struct {
	Order    string `mapstructure:"order" validate:"required|in:newest,oldest"`
	Capacity int    `mapstructure:"capacity" validate:"int|min:1"`
}

// Storage selects where watches persist. LocalPath wins over Bucket.
type Storage struct {
	LocalPath       string `mapstructure:"local_path"`
	Bucket          string `mapstructure:"bucket"`
	CredentialsJSON string `mapstructure:"credentials_json"` // empty uses Application Default Credentials
}

// Cache configures the counters response cache.
type Cache struct {
	Enabled bool          `mapstructure:"enabled"`
	SizeMB  int           `mapstructure:"size_mb" validate:"int|min:1"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

// Notify selects the provider that receives deltas and counters.
type Notify struct {
	Provider      string `mapstructure:"provider" validate:"required|in:log,nats,webhook"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
	NATSURL       string `mapstructure:"nats_url"`
	WebhookURL    string `mapstructure:"webhook_url"`
}

// Log sets the minimum log level.
type Log struct {
	Level string `mapstructure:"level" validate:"required|in:debug,info,warn,error"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server  Server  `mapstructure:"server"`
	Source  Source  `mapstructure:"source"`
	Poll    Poll    `mapstructure:"poll"`
	Thread  Thread  `mapstructure:"thread"`
	Storage Storage `mapstructure:"storage"`
	Cache   Cache   `mapstructure:"cache"`
	Metrics Metrics `mapstructure:"metrics"`
	Notify  Notify  `mapstructure:"notify"`
	Log     Log     `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	pc := poll.DefaultConfig()

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 10)
	v.SetDefault("server.shutdown_timeout", 25*time.Second)

	v.SetDefault("source.base_url", "")
	v.SetDefault("source.token", "")
	v.SetDefault("source.attempts", 3)
	v.SetDefault("source.delay", 500*time.Millisecond)
	v.SetDefault("source.timeout", pc.FetchTimeout)

	v.SetDefault("poll.min_interval", pc.MinInterval)
	v.SetDefault("poll.max_interval", pc.MaxInterval)
	v.SetDefault("poll.default_interval", pc.DefaultInterval)
	v.SetDefault("poll.min_backoff", pc.MinBackoff)
	v.SetDefault("poll.max_backoff", pc.MaxBackoff)
	v.SetDefault("poll.drift_warn", pc.DriftWarn)
	v.SetDefault("poll.typing_key", realtime.TypingSentinelKey)

	v.SetDefault("thread.order", "newest")
	v.SetDefault("thread.capacity", 500)

	v.SetDefault("storage.local_path", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.credentials_json", "")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size_mb", 16)
	v.SetDefault("cache.ttl", time.Second)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("notify.provider", "log")
	v.SetDefault("notify.subject_prefix", "rtsync")
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.webhook_url", "")

	v.SetDefault("log.level", "info")
}

// Load reads path (optional) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate runs the tag rules and the cross-field checks.
func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("invalid config: %w", v.Errors)
	}

	switch {
	case c.Storage.LocalPath == "" && c.Storage.Bucket == "":
		return errors.New("invalid config: storage needs a local_path or a bucket")
	case c.Notify.Provider == "nats" && c.Notify.NATSURL == "":
		return errors.New("invalid config: notify.nats_url is required for the nats provider")
	case c.Notify.Provider == "webhook" && c.Notify.WebhookURL == "":
		return errors.New("invalid config: notify.webhook_url is required for the webhook provider")
	}

	if err := c.PollConfig().Validate(); err != nil {
		return fmt.Errorf("invalid config: poll: %w", err)
	}
	return nil
}

// PollConfig returns the scheduler settings.
func (c *Config) PollConfig() poll.Config {
	return poll.Config{
		MinInterval:     c.Poll.MinInterval,
		MaxInterval:     c.Poll.MaxInterval,
		DefaultInterval: c.Poll.DefaultInterval,
		MinBackoff:      c.Poll.MinBackoff,
		MaxBackoff:      c.Poll.MaxBackoff,
		FetchTimeout:    c.Source.Timeout,
		DriftWarn:       c.Poll.DriftWarn,
		TypingKey:       c.Poll.TypingKey,
	}
}

// FetchConfig returns the transport settings.
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		BaseURL:  c.Source.BaseURL,
		Attempts: c.Source.Attempts,
		Delay:    c.Source.Delay,
		Token:    c.Source.Token,
	}
}

// Order returns the root comment order of merged lists.
func (c *Config) Order() poll.Order {
	if c.Thread.Order == "oldest" {
		return poll.OldestFirst
	}
	return poll.NewestFirst
}

// SlogLevel maps the configured level name.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
