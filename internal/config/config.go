package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Loyalty   LoyaltyConfig   `yaml:"loyalty"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LoyaltyConfig holds the points policy knobs.
type LoyaltyConfig struct {
	// PointValue is the currency value of a single point, e.g. "0.01".
	PointValue string `yaml:"point_value"`
	// DefaultExpiryMonths applies to earns recorded without an explicit expiry.
	// Zero means earned points never expire by default.
	DefaultExpiryMonths int `yaml:"default_expiry_months"`
	// PendingHorizonDays is the expiry-warning window used by the
	// available-vs-pending balance split.
	PendingHorizonDays int `yaml:"pending_horizon_days"`
	// WriteTimeoutSeconds bounds every ledger write operation.
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	// SweepIntervalSeconds is how often the worker runs the expiration sweep.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// WriteTimeout returns the write bound as a duration.
func (c LoyaltyConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweep cadence as a duration.
func (c LoyaltyConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// PendingHorizon returns the expiry-warning window as a duration.
func (c LoyaltyConfig) PendingHorizon() time.Duration {
	return time.Duration(c.PendingHorizonDays) * 24 * time.Hour
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if cfg.Loyalty.PointValue == "" {
		cfg.Loyalty.PointValue = "0.01"
	}
	if cfg.Loyalty.PendingHorizonDays == 0 {
		cfg.Loyalty.PendingHorizonDays = 30
	}
	if cfg.Loyalty.WriteTimeoutSeconds == 0 {
		cfg.Loyalty.WriteTimeoutSeconds = 5
	}
	if cfg.Loyalty.SweepIntervalSeconds == 0 {
		cfg.Loyalty.SweepIntervalSeconds = 60
	}
	return &cfg, nil
}
