// Package main provides the kycstream server CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/kycstream/internal/auth"
	"github.com/good-yellow-bee/kycstream/internal/broker"
)

const (
	envPrefix        = "KYCSTREAM_"
	maxQueueCapacity = 100_000
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig `yaml:"server" envPrefix:"SERVER_"`
	Auth    AuthConfig   `yaml:"auth" envPrefix:"AUTH_"`
	Broker  BrokerConfig `yaml:"broker" envPrefix:"BROKER_"`
	Ingest  IngestConfig `yaml:"ingest" envPrefix:"INGEST_"`
	Audit   AuditConfig  `yaml:"audit" envPrefix:"AUDIT_"`
	Verbose bool         `yaml:"-" env:"VERBOSE"`

	// JWTSecret is only read from the environment.
	JWTSecret string `yaml:"-" env:"JWT_SECRET"`

	durations durations
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	HTTPAddress     string    `yaml:"http_address" env:"HTTP_ADDRESS"`       // default :8080
	MetricsAddress  string    `yaml:"metrics_address" env:"METRICS_ADDRESS"` // default :9090, "-" disables
	AllowedOrigins  []string  `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	TrustProxy      bool      `yaml:"trust_proxy" env:"TRUST_PROXY"`
	ShutdownTimeout string    `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	TLS             TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig contains HTTPS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// AuthConfig contains handshake authentication settings.
type AuthConfig struct {
	Issuer           string  `yaml:"issuer" env:"ISSUER"`
	SubjectPattern   string  `yaml:"subject_pattern" env:"SUBJECT_PATTERN"`
	LockoutThreshold int     `yaml:"lockout_threshold" env:"LOCKOUT_THRESHOLD"`
	LockoutDuration  string  `yaml:"lockout_duration" env:"LOCKOUT_DURATION"`
	HandshakeRate    float64 `yaml:"handshake_rate" env:"HANDSHAKE_RATE"` // per IP, per second
	HandshakeBurst   int     `yaml:"handshake_burst" env:"HANDSHAKE_BURST"`
}

// BrokerConfig contains connection and queue settings.
type BrokerConfig struct {
	QueueCapacity     int     `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	StaleThreshold    string  `yaml:"stale_threshold" env:"STALE_THRESHOLD"`
	SweepInterval     string  `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	SendBuffer        int     `yaml:"send_buffer" env:"SEND_BUFFER"`
	OverflowPolicy    string  `yaml:"overflow_policy" env:"OVERFLOW_POLICY"`
	SoftConnectionCap int     `yaml:"soft_connection_cap" env:"SOFT_CONNECTION_CAP"`
	Retention         string  `yaml:"retention" env:"RETENTION"` // "0" keeps queues forever
	CommandRate       float64 `yaml:"command_rate" env:"COMMAND_RATE"`
	CommandBurst      int     `yaml:"command_burst" env:"COMMAND_BURST"`
	WriteTimeout      string  `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// IngestConfig contains alert source settings.
type IngestConfig struct {
	Redis RedisIngestConfig `yaml:"redis" envPrefix:"REDIS_"`
	Kafka KafkaIngestConfig `yaml:"kafka" envPrefix:"KAFKA_"`
}

// RedisIngestConfig configures the Redis pub/sub source.
type RedisIngestConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"-" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Channel  string `yaml:"channel" env:"CHANNEL"`
}

// KafkaIngestConfig configures the Kafka consumer-group source.
type KafkaIngestConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Group   string   `yaml:"group" env:"GROUP"`
	Topic   string   `yaml:"topic" env:"TOPIC"`
	Version string   `yaml:"version" env:"VERSION"`
}

// AuditConfig selects audit sinks. Both may be set.
type AuditConfig struct {
	JSONPath   string `yaml:"json_path" env:"JSON_PATH"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

// durations holds the parsed duration strings.
type durations struct {
	shutdownTimeout time.Duration
	lockoutDuration time.Duration
	staleThreshold  time.Duration
	sweepInterval   time.Duration
	retention       time.Duration
	writeTimeout    time.Duration
}

// LoadConfig loads configuration from a YAML file, if path is set, then
// applies KYCSTREAM_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "kycstream"
	}
	if c.Auth.SubjectPattern == "" {
		c.Auth.SubjectPattern = auth.DefaultSubjectPattern
	}
	if c.Auth.LockoutThreshold == 0 {
		c.Auth.LockoutThreshold = 10
	}
	if c.Auth.LockoutDuration == "" {
		c.Auth.LockoutDuration = "5m"
	}
	if c.Auth.HandshakeRate == 0 {
		c.Auth.HandshakeRate = 2
	}
	if c.Auth.HandshakeBurst == 0 {
		c.Auth.HandshakeBurst = 10
	}

	defaults := broker.DefaultConfig()
	if c.Broker.QueueCapacity == 0 {
		c.Broker.QueueCapacity = defaults.QueueCapacity
	}
	if c.Broker.StaleThreshold == "" {
		c.Broker.StaleThreshold = defaults.StaleThreshold.String()
	}
	if c.Broker.SweepInterval == "" {
		c.Broker.SweepInterval = defaults.SweepInterval.String()
	}
	if c.Broker.SendBuffer == 0 {
		c.Broker.SendBuffer = defaults.SendBuffer
	}
	if c.Broker.OverflowPolicy == "" {
		c.Broker.OverflowPolicy = string(defaults.OverflowPolicy)
	}
	if c.Broker.SoftConnectionCap == 0 {
		c.Broker.SoftConnectionCap = defaults.SoftConnectionCap
	}
	if c.Broker.Retention == "" {
		c.Broker.Retention = defaults.Retention.String()
	}
	if c.Broker.CommandRate == 0 {
		c.Broker.CommandRate = defaults.CommandRate
	}
	if c.Broker.CommandBurst == 0 {
		c.Broker.CommandBurst = defaults.CommandBurst
	}
	if c.Broker.WriteTimeout == "" {
		c.Broker.WriteTimeout = "10s"
	}

	if c.Ingest.Redis.Channel == "" {
		c.Ingest.Redis.Channel = "kycstream:alerts"
	}
	if c.Ingest.Kafka.Group == "" {
		c.Ingest.Kafka.Group = "kycstream"
	}
	if c.Ingest.Kafka.Topic == "" {
		c.Ingest.Kafka.Topic = "compliance-alerts"
	}
}

// Validate checks the configuration for errors and parses durations.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%sJWT_SECRET environment variable is required", envPrefix)
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("JWT secret must be at least 32 bytes")
	}
	if c.Server.HTTPAddress == "" {
		return errors.New("server.http_address is required")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return errors.New("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return errors.New("server.tls.key_file is required when TLS is enabled")
		}
	}

	if _, err := auth.NewSubjectValidator(c.Auth.SubjectPattern); err != nil {
		return fmt.Errorf("auth.subject_pattern: %w", err)
	}
	if c.Auth.LockoutThreshold < 0 {
		return errors.New("auth.lockout_threshold must not be negative")
	}

	if c.Broker.QueueCapacity < 1 {
		return errors.New("broker.queue_capacity must be at least 1")
	}
	// Every connection may hold one full replay on top of its send buffer.
	if c.Broker.QueueCapacity > maxQueueCapacity {
		return fmt.Errorf("broker.queue_capacity must be at most %d", maxQueueCapacity)
	}
	if c.Broker.SendBuffer < 1 {
		return errors.New("broker.send_buffer must be at least 1")
	}
	if _, err := broker.ParseOverflowPolicy(c.Broker.OverflowPolicy); err != nil {
		return fmt.Errorf("broker.overflow_policy: %w", err)
	}
	if c.Broker.CommandRate < 0 {
		return errors.New("broker.command_rate must not be negative")
	}

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
		zero  bool // whether 0 is allowed
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout, &c.durations.shutdownTimeout, false},
		{"auth.lockout_duration", c.Auth.LockoutDuration, &c.durations.lockoutDuration, false},
		{"broker.stale_threshold", c.Broker.StaleThreshold, &c.durations.staleThreshold, false},
		{"broker.sweep_interval", c.Broker.SweepInterval, &c.durations.sweepInterval, false},
		{"broker.retention", c.Broker.Retention, &c.durations.retention, true},
		{"broker.write_timeout", c.Broker.WriteTimeout, &c.durations.writeTimeout, false},
	} {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if parsed < 0 || (parsed == 0 && !d.zero) {
			return fmt.Errorf("%s must be positive", d.name)
		}
		*d.dst = parsed
	}
	if c.durations.sweepInterval > c.durations.staleThreshold {
		return errors.New("broker.sweep_interval must not exceed broker.stale_threshold")
	}

	if c.Ingest.Redis.Enabled && c.Ingest.Redis.Addr == "" {
		return errors.New("ingest.redis.addr is required when redis ingest is enabled")
	}
	if c.Ingest.Kafka.Enabled && len(c.Ingest.Kafka.Brokers) == 0 {
		return errors.New("ingest.kafka.brokers is required when kafka ingest is enabled")
	}

	return nil
}

// brokerConfig builds the broker configuration. Validate must have succeeded.
func (c *Config) brokerConfig() broker.Config {
	policy, _ := broker.ParseOverflowPolicy(c.Broker.OverflowPolicy)
	cfg := broker.DefaultConfig()
	cfg.QueueCapacity = c.Broker.QueueCapacity
	cfg.StaleThreshold = c.durations.staleThreshold
	cfg.SweepInterval = c.durations.sweepInterval
	cfg.SendBuffer = c.Broker.SendBuffer
	cfg.OverflowPolicy = policy
	cfg.SoftConnectionCap = c.Broker.SoftConnectionCap
	cfg.Retention = c.durations.retention
	cfg.CommandRate = c.Broker.CommandRate
	cfg.CommandBurst = c.Broker.CommandBurst
	cfg.Verbose = c.Verbose
	return cfg
}
