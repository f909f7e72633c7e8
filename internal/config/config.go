// Package config loads server settings from an optional YAML file and
// RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPoll   = "poll"
	BackendHybrid = "hybrid"
	BackendPush   = "push"
)

type Config struct {
	ListenAddress string
	LogLevel      string
	LogFile       string

	DatabasePath     string
	RelayBackend     string
	RelayStoragePath string

	SessionTTL         time.Duration
	SignalRetention    int
	SignalMaxAge       time.Duration
	RelayMessageMaxAge time.Duration
	SweepInterval      time.Duration

	KeepaliveInterval time.Duration
	PongWait          time.Duration

	TicketSecret  string
	TicketTTL     time.Duration
	RequireTicket bool

	RateLimitRequests int
	RateLimitWindow   time.Duration

	AllowedOrigins []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":8765")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("database_path", "sharefast.db")
	v.SetDefault("relay_backend", BackendPush)
	v.SetDefault("relay_storage_path", "relay_data")

	v.SetDefault("session_ttl", 10*time.Minute)
	v.SetDefault("signal_retention", 100)
	v.SetDefault("signal_max_age", time.Hour)
	v.SetDefault("relay_message_max_age", 5*time.Minute)
	v.SetDefault("sweep_interval", 30*time.Second)

	v.SetDefault("keepalive_interval", 20*time.Second)
	v.SetDefault("pong_wait", 60*time.Second)

	v.SetDefault("ticket_secret", "")
	v.SetDefault("ticket_ttl", 2*time.Minute)
	v.SetDefault("require_ticket", false)

	v.SetDefault("rate_limit_requests", 100)
	v.SetDefault("rate_limit_window", time.Minute)

	v.SetDefault("allowed_origins", []string{"*"})
}

// Load reads configFilePath if it exists. A missing file is not an error;
// defaults and environment variables still apply.
func Load(configFilePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configFilePath, err)
			}
			slog.Info("no config file found", "configFilePath", configFilePath)
		}
	}

	cfg := &Config{
		ListenAddress:      v.GetString("listen_address"),
		LogLevel:           v.GetString("log_level"),
		LogFile:            v.GetString("log_file"),
		DatabasePath:       v.GetString("database_path"),
		RelayBackend:       strings.ToLower(v.GetString("relay_backend")),
		RelayStoragePath:   v.GetString("relay_storage_path"),
		SessionTTL:         v.GetDuration("session_ttl"),
		SignalRetention:    v.GetInt("signal_retention"),
		SignalMaxAge:       v.GetDuration("signal_max_age"),
		RelayMessageMaxAge: v.GetDuration("relay_message_max_age"),
		SweepInterval:      v.GetDuration("sweep_interval"),
		KeepaliveInterval:  v.GetDuration("keepalive_interval"),
		PongWait:           v.GetDuration("pong_wait"),
		TicketSecret:       v.GetString("ticket_secret"),
		TicketTTL:          v.GetDuration("ticket_ttl"),
		RequireTicket:      v.GetBool("require_ticket"),
		RateLimitRequests:  v.GetInt("rate_limit_requests"),
		RateLimitWindow:    v.GetDuration("rate_limit_window"),
		AllowedOrigins:     v.GetStringSlice("allowed_origins"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.RelayBackend {
	case BackendPoll, BackendHybrid, BackendPush:
	default:
		return fmt.Errorf("relay_backend must be poll, hybrid or push, got %q", c.RelayBackend)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.RateLimitRequests < 0 || (c.RateLimitRequests > 0 && c.RateLimitWindow <= 0) {
		return fmt.Errorf("rate_limit_window must be positive when rate limiting is on")
	}
	if c.PongWait <= c.KeepaliveInterval {
		return fmt.Errorf("pong_wait (%s) must exceed keepalive_interval (%s)", c.PongWait, c.KeepaliveInterval)
	}
	return nil
}
