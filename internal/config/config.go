package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the dcopserver configuration file.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Server    ServerConfig    `yaml:"server"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig selects the transports. UnixSocket "-" disables the Unix
// socket; NoLocal disables TCP.
type ServerConfig struct {
	UnixSocket     string `yaml:"unix_socket"`
	TCPAddress     string `yaml:"tcp_address"`
	NoLocal        bool   `yaml:"no_local"`
	AddressFile    string `yaml:"address_file"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	// MaxPendingBytes is how much unread output a client may accumulate
	// before it is disconnected.
	MaxPendingBytes int `yaml:"max_pending_bytes"`
}

// LifecycleConfig controls suicide mode and deferred-call expiry.
type LifecycleConfig struct {
	Suicide                    bool `yaml:"suicide"`
	SuicideGraceSeconds        int  `yaml:"suicide_grace_seconds"`
	DelayedReplyTimeoutSeconds int  `yaml:"delayed_reply_timeout_seconds"`
	TickIntervalMS             int  `yaml:"tick_interval_ms"`
}

// MetricsConfig enables the Prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// JournalConfig enables the event journal when Dir is set.
type JournalConfig struct {
	Dir            string `yaml:"dir"`
	RetentionHours int    `yaml:"retention_hours"`
}

type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Quiet bool   `yaml:"quiet"`
}

// Default returns the configuration used when no file is given. Socket and
// address file paths stay empty here; the server fills them from the
// per-user runtime directory.
func Default() *Config {
	c := &Config{AppName: "dcopserver"}
	c.applyDefaults()
	return c
}

// Load reads filename over the defaults and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "dcopserver"
	}
	if c.Server.TCPAddress == "" && !c.Server.NoLocal {
		c.Server.TCPAddress = "127.0.0.1:0"
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 50
	}
	if c.Server.MaxPendingBytes == 0 {
		c.Server.MaxPendingBytes = 8 << 20
	}
	if c.Lifecycle.SuicideGraceSeconds == 0 {
		c.Lifecycle.SuicideGraceSeconds = 10
	}
	if c.Lifecycle.TickIntervalMS == 0 {
		c.Lifecycle.TickIntervalMS = 1000
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Journal.RetentionHours == 0 {
		c.Journal.RetentionHours = 24 * 7
	}
}

// Validate rejects negative durations and an empty transport set.
func (c *Config) Validate() error {
	if c.Server.WriteTimeoutMS < 0 {
		return fmt.Errorf("write timeout cannot be negative: %d", c.Server.WriteTimeoutMS)
	}
	if c.Server.MaxPendingBytes < 0 {
		return fmt.Errorf("max pending bytes cannot be negative: %d", c.Server.MaxPendingBytes)
	}
	if c.Lifecycle.SuicideGraceSeconds < 0 {
		return fmt.Errorf("suicide grace seconds cannot be negative: %d", c.Lifecycle.SuicideGraceSeconds)
	}
	if c.Lifecycle.DelayedReplyTimeoutSeconds < 0 {
		return fmt.Errorf("delayed reply timeout seconds cannot be negative: %d", c.Lifecycle.DelayedReplyTimeoutSeconds)
	}
	if c.Lifecycle.TickIntervalMS < 0 {
		return fmt.Errorf("tick interval cannot be negative: %d", c.Lifecycle.TickIntervalMS)
	}
	if c.Journal.RetentionHours < 0 {
		return fmt.Errorf("journal retention hours cannot be negative: %d", c.Journal.RetentionHours)
	}
	if c.Server.NoLocal && c.Server.UnixSocket == "-" {
		return fmt.Errorf("no transport left: unix socket disabled and no_local set")
	}
	return nil
}

// WriteTimeout bounds one flush to a client.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMS) * time.Millisecond
}

func (c *Config) SuicideGrace() time.Duration {
	return time.Duration(c.Lifecycle.SuicideGraceSeconds) * time.Second
}

// DelayedReplyTimeout is zero when deferred calls never expire.
func (c *Config) DelayedReplyTimeout() time.Duration {
	return time.Duration(c.Lifecycle.DelayedReplyTimeoutSeconds) * time.Second
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Lifecycle.TickIntervalMS) * time.Millisecond
}

func (c *Config) JournalRetention() time.Duration {
	return time.Duration(c.Journal.RetentionHours) * time.Hour
}
