// Package config loads and validates the collector configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the RC_ prefix (e.g., RC_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The ENCRYPTION_KEY variable has no RC_ prefix because it may be injected by
// infrastructure tooling (e.g., Kubernetes secrets, Vault agent) that does not
// know the application-specific prefix and treats it as a generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Credits     CreditsConfig     `mapstructure:"credits"`
	Collection  CollectionConfig  `mapstructure:"collection"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the shared counter store / pub-sub connection settings.
// Redis backs the distributed rate limiter, credential quota counters, and
// the live-status event bus; all of them degrade rather than fail when the
// store is briefly unavailable.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the work-queue broker settings. Each collection task is
// dispatched as one message on the tasks topic and consumed by the external
// arena-collector workers.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	TasksTopic string   `mapstructure:"tasks_topic"`
}

// CredentialsConfig holds credential pool tuning.
type CredentialsConfig struct {
	// ErrorThreshold is how many consecutive non-auth errors open the
	// cooldown circuit for a credential.
	ErrorThreshold int `mapstructure:"error_threshold"`
	// AuthErrorThreshold is how many consecutive auth errors permanently
	// deactivate a credential (manual reset required).
	AuthErrorThreshold int `mapstructure:"auth_error_threshold"`
	// CooldownMinutes is how long the temporary circuit stays open.
	CooldownMinutes int `mapstructure:"cooldown_minutes"`
}

// CreditsConfig holds credit ledger settings.
type CreditsConfig struct {
	// ReserveTimeout bounds the reservation transaction, including the
	// time spent waiting on the per-user row lock.
	ReserveTimeout time.Duration `mapstructure:"reserve_timeout"`
}

// CollectionConfig holds run orchestration tuning.
type CollectionConfig struct {
	// MaxTaskRetries is the per-task retry ceiling for retryable failures.
	MaxTaskRetries int `mapstructure:"max_task_retries"`
	// RetryBaseDelay seeds the exponential backoff between task retries.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// StaleRunAge is how long a run may sit in running/suspended with no
	// task progress before the sweeper force-fails it.
	StaleRunAge time.Duration `mapstructure:"stale_run_age"`
	// SweepInterval is how often the stale-run sweeper wakes up.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// CompletionPolicy names the partial-failure policy for finished runs.
	// Supported: "any-success" (default), "all-success".
	CompletionPolicy string `mapstructure:"completion_policy"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	// EncryptionKey is the master key for credential payload encryption.
	// Read from the unprefixed ENCRYPTION_KEY environment variable.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// RateLimitingConfig holds API surface rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
}

// Load reads configuration from the given path (or the default search
// locations when empty), applies environment overrides, and validates the
// result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/research-collector")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("RC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures.
	// AutomaticEnv() alone does not surface them through Unmarshal().
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)

	// ENCRYPTION_KEY is deliberately unprefixed; see package comment.
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		cfg.Security.EncryptionKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables to config keys.
// viper.BindEnv only errors when called with zero keys; since every key here
// is a non-empty hardcoded string, any error indicates a programming bug and
// is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Kafka
		"kafka.brokers",
		"kafka.tasks_topic",

		// Credentials
		"credentials.error_threshold",
		"credentials.auth_error_threshold",
		"credentials.cooldown_minutes",

		// Credits
		"credits.reserve_timeout",

		// Collection
		"collection.max_task_retries",
		"collection.retry_base_delay",
		"collection.stale_run_age",
		"collection.sweep_interval",
		"collection.completion_policy",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.prometheus_port",
	}

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var for %s: %w", key, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "research_collector")
	v.SetDefault("database.user", "collector")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.tasks_topic", "collection-tasks")

	// Credential pool defaults
	v.SetDefault("credentials.error_threshold", 5)
	v.SetDefault("credentials.auth_error_threshold", 3)
	v.SetDefault("credentials.cooldown_minutes", 15)

	// Credit ledger defaults
	v.SetDefault("credits.reserve_timeout", "5s")

	// Collection defaults
	v.SetDefault("collection.max_task_retries", 3)
	v.SetDefault("collection.retry_base_delay", "30s")
	v.SetDefault("collection.stale_run_age", "24h")
	v.SetDefault("collection.sweep_interval", "1h")
	v.SetDefault("collection.completion_policy", "any-success")

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "research-collector")
	v.SetDefault("telemetry.prometheus_port", 9090)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.TasksTopic == "" {
		return fmt.Errorf("kafka.tasks_topic is required")
	}

	if c.Credentials.ErrorThreshold < 1 {
		return fmt.Errorf("credentials.error_threshold must be at least 1")
	}
	if c.Credentials.AuthErrorThreshold < 1 {
		return fmt.Errorf("credentials.auth_error_threshold must be at least 1")
	}

	if c.Collection.MaxTaskRetries < 0 {
		return fmt.Errorf("collection.max_task_retries must not be negative")
	}
	switch c.Collection.CompletionPolicy {
	case "any-success", "all-success":
	default:
		return fmt.Errorf("invalid collection.completion_policy: %s (must be any-success or all-success)", c.Collection.CompletionPolicy)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Cooldown returns the temporary circuit-open duration.
func (c *CredentialsConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}
