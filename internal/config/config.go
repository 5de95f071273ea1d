// Package config loads roomsync settings from defaults, an optional YAML
// file and ROOMSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. ROOMSYNC_SERVER_ADDR.
const EnvPrefix = "ROOMSYNC"

var (
	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("invalid config")
)

// Server configures the HTTP/websocket server.
type Server struct {
	Addr             string `mapstructure:"addr"`
	DBPath           string `mapstructure:"db_path"`
	ChatHistoryLimit int    `mapstructure:"chat_history_limit"`
	MetricsPath      string `mapstructure:"metrics_path"`
}

// RateLimit configures per-connection and per-IP limits.
type RateLimit struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst"`
}

// Compaction configures the background update-log compaction.
type Compaction struct {
	Interval        time.Duration `mapstructure:"interval"`
	UpdateThreshold int           `mapstructure:"update_threshold"`
}

// Redis configures cross-node fan-out. An empty Addr keeps fan-out local.
type Redis struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// Client configures roomctl sessions.
type Client struct {
	ServerURL            string        `mapstructure:"server_url"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ChatReconnectDelay   time.Duration `mapstructure:"chat_reconnect_delay"`
}

// Config is the full roomsync configuration.
type Config struct {
	LogLevel   string     `mapstructure:"log_level"`
	Server     Server     `mapstructure:"server"`
	RateLimit  RateLimit  `mapstructure:"rate_limit"`
	Compaction Compaction `mapstructure:"compaction"`
	Redis      Redis      `mapstructure:"redis"`
	Client     Client     `mapstructure:"client"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.db_path", "./data/roomsync.db")
	v.SetDefault("server.chat_history_limit", 100)
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("rate_limit.messages_per_second", 100.0)
	v.SetDefault("rate_limit.message_burst", 200)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.request_burst", 40)

	v.SetDefault("compaction.interval", 5*time.Minute)
	v.SetDefault("compaction.update_threshold", 100)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "roomsync")

	v.SetDefault("client.server_url", "ws://localhost:8080")
	v.SetDefault("client.reconnect_delay", 2*time.Second)
	v.SetDefault("client.max_reconnect_attempts", 5)
	v.SetDefault("client.chat_reconnect_delay", 3*time.Second)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into a Config. Values set in
// the environment or bound flags win over the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		panic(err)
	}
	return conf
}

// Validate checks the values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("%w: server.db_path is required", ErrInvalidConfig)
	}
	if c.Server.ChatHistoryLimit <= 0 {
		return fmt.Errorf("%w: server.chat_history_limit must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.MessageBurst <= 0 {
		return fmt.Errorf("%w: rate_limit message values must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.RequestBurst <= 0 {
		return fmt.Errorf("%w: rate_limit request values must be positive", ErrInvalidConfig)
	}
	if c.Compaction.Interval <= 0 || c.Compaction.UpdateThreshold <= 0 {
		return fmt.Errorf("%w: compaction values must be positive", ErrInvalidConfig)
	}
	if c.Client.ReconnectDelay <= 0 || c.Client.ChatReconnectDelay <= 0 {
		return fmt.Errorf("%w: client reconnect delays must be positive", ErrInvalidConfig)
	}
	if c.Client.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("%w: client.max_reconnect_attempts must be positive", ErrInvalidConfig)
	}
	return nil
}
