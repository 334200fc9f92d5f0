// Package config loads obsr-go's runtime configuration via viper, the
// way go-server-3/internal/config loads the websocket server's.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every section of runtime configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig controls the replication server's bind address.
// PollTimeout is loaded but not read; the reactor uses its fixed
// DefaultPollTimeout.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// ClientConfig controls a client session's target host and port. The
// interval fields are loaded with their defaults but not read; the
// client session uses its own fixed retry, sync and drain intervals.
type ClientConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	ActiveDrain   time.Duration `mapstructure:"active_drain_interval"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// Load reads configuration from environment variables and an optional
// config file named "obsr" on the current path or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5810)
	v.SetDefault("server.poll_timeout", 5*time.Second)

	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", 5810)
	v.SetDefault("client.retry_interval", 1000*time.Millisecond)
	v.SetDefault("client.sync_interval", 1000*time.Millisecond)
	v.SetDefault("client.active_drain_interval", 100*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetConfigName("obsr")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("OBSR")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	return cfg, nil
}
