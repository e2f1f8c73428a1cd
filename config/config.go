// Package config holds the server configuration, loaded from YAML with
// ${ENV} expansion and defaults for every optional field.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Auth    AuthConfig    `yaml:"auth"`
	Timing  TimingConfig  `yaml:"timing"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the listen surface.
type ServerConfig struct {
	Listen string `yaml:"listen"` // host:port for HTTP + WebSocket
}

// LimitsConfig holds every admission and subscription cap.
type LimitsConfig struct {
	MaxConnections   int `yaml:"max_connections"`    // global connection cap
	MaxPerIP         int `yaml:"max_per_ip"`         // connections per client IP
	MaxPerChannel    int `yaml:"max_per_channel"`    // subscribers per channel
	MaxSubsPerClient int `yaml:"max_subs_per_client"`
	MaxSubsGlobal    int `yaml:"max_subs_global"`
	MaxMessageBytes  int `yaml:"max_message_bytes"`  // inbound message size
	MaxSendBuffer    int `yaml:"max_send_buffer"`    // outbound bytes queued per client
}

// AuthConfig controls the authentication gate.
type AuthConfig struct {
	Required        bool   `yaml:"required"`
	Secret          string `yaml:"secret"`
	DeadlineSeconds int    `yaml:"deadline_seconds"` // time to authenticate after connect
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
}

// TimingConfig holds heartbeat and batching windows.
type TimingConfig struct {
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	PongTimeoutSeconds  int `yaml:"pong_timeout_seconds"`
	BatchWindowMillis   int `yaml:"batch_window_millis"`
}

// RedisConfig holds connection settings for the upstream feed and the
// snapshot source.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // key and pub/sub channel prefix
}

// MetricsConfig controls the rolling rate window.
type MetricsConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default values for optional configuration fields.
const (
	DefaultListen           = ":8080"
	DefaultMaxConnections   = 10000
	DefaultMaxPerIP         = 5
	DefaultMaxPerChannel    = 100
	DefaultMaxSubsPerClient = 50
	DefaultMaxSubsGlobal    = 100000
	DefaultMaxMessageBytes  = 1024
	DefaultMaxSendBuffer    = 64 * 1024
	DefaultAuthDeadline     = 5
	DefaultTokenTTL         = 300
	DefaultPingInterval     = 30
	DefaultPongTimeout      = 10
	DefaultBatchWindow      = 500
	DefaultMetricsWindow    = 60
	DefaultRedisAddr        = "localhost:6379"
	DefaultRedisPrefix      = "feedhub:"
	DefaultLogLevel         = "info"
)

// Load reads a YAML config file and expands ${VAR} environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = DefaultMaxConnections
	}
	if c.Limits.MaxPerIP == 0 {
		c.Limits.MaxPerIP = DefaultMaxPerIP
	}
	if c.Limits.MaxPerChannel == 0 {
		c.Limits.MaxPerChannel = DefaultMaxPerChannel
	}
	if c.Limits.MaxSubsPerClient == 0 {
		c.Limits.MaxSubsPerClient = DefaultMaxSubsPerClient
	}
	if c.Limits.MaxSubsGlobal == 0 {
		c.Limits.MaxSubsGlobal = DefaultMaxSubsGlobal
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Limits.MaxSendBuffer == 0 {
		c.Limits.MaxSendBuffer = DefaultMaxSendBuffer
	}
	if c.Auth.DeadlineSeconds == 0 {
		c.Auth.DeadlineSeconds = DefaultAuthDeadline
	}
	if c.Auth.TokenTTLSeconds == 0 {
		c.Auth.TokenTTLSeconds = DefaultTokenTTL
	}
	if c.Timing.PingIntervalSeconds == 0 {
		c.Timing.PingIntervalSeconds = DefaultPingInterval
	}
	if c.Timing.PongTimeoutSeconds == 0 {
		c.Timing.PongTimeoutSeconds = DefaultPongTimeout
	}
	if c.Timing.BatchWindowMillis == 0 {
		c.Timing.BatchWindowMillis = DefaultBatchWindow
	}
	if c.Metrics.WindowSeconds == 0 {
		c.Metrics.WindowSeconds = DefaultMetricsWindow
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks that all required fields are set and values are sane.
func (c *Config) Validate() error {
	if c.Limits.MaxConnections < 1 {
		return errors.New("limits.max_connections must be >= 1")
	}
	if c.Limits.MaxPerIP < 1 {
		return errors.New("limits.max_per_ip must be >= 1")
	}
	if c.Limits.MaxPerChannel < 1 {
		return errors.New("limits.max_per_channel must be >= 1")
	}
	if c.Limits.MaxSubsPerClient < 1 {
		return errors.New("limits.max_subs_per_client must be >= 1")
	}
	if c.Limits.MaxSubsGlobal < c.Limits.MaxSubsPerClient {
		return errors.New("limits.max_subs_global must be >= limits.max_subs_per_client")
	}
	if c.Limits.MaxMessageBytes < 64 {
		return fmt.Errorf("limits.max_message_bytes must be >= 64, got %d", c.Limits.MaxMessageBytes)
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		return errors.New("auth.secret is required when auth.required is set")
	}
	if c.Timing.PongTimeoutSeconds >= c.Timing.PingIntervalSeconds {
		return errors.New("timing.pong_timeout_seconds must be < timing.ping_interval_seconds")
	}
	return nil
}

// Convenience duration accessors.

func (c *AuthConfig) Deadline() time.Duration { return time.Duration(c.DeadlineSeconds) * time.Second }

func (c *AuthConfig) TokenTTL() time.Duration { return time.Duration(c.TokenTTLSeconds) * time.Second }

func (c *TimingConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c *TimingConfig) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutSeconds) * time.Second
}

func (c *TimingConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMillis) * time.Millisecond
}

func (c *MetricsConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}
