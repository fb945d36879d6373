// Package config provides configuration structures and loading logic for the
// privacy request engine: the process configuration, dataset declarations,
// policies and connection files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/domain"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the global configuration for the engine.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Upload    UploadConfig    `yaml:"upload"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// ExecutorConfig bounds how connector calls are made.
type ExecutorConfig struct {
	MaxConcurrentPerConnection int                  `yaml:"max_concurrent_per_connection" validate:"min=1"`
	CallTimeout                time.Duration        `yaml:"call_timeout"`
	MaxRetries                 int                  `yaml:"max_retries" validate:"gte=0,lte=10"`
	InitialBackoff             time.Duration        `yaml:"initial_backoff"`
	MaxBackoff                 time.Duration        `yaml:"max_backoff"`
	CircuitBreaker             CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimits                 map[string]RateLimit `yaml:"rate_limits"`
	DefaultRateLimit           RateLimit            `yaml:"default_rate_limit"`
}

// CircuitBreakerConfig mirrors governance.CircuitBreakerConfig in YAML form.
type CircuitBreakerConfig struct {
	MaxFailures int           `yaml:"max_failures" validate:"gte=0"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// RateLimit caps calls per second on one connection.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// SecretsConfig carries the key sealing connection secrets (hex or base64).
type SecretsConfig struct {
	Key string `yaml:"key"`
}

// StorageConfig selects the request state store.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
}

// CacheConfig selects the result cache used for resume.
type CacheConfig struct {
	Driver   string        `yaml:"driver" validate:"oneof=memory redis"`
	Addr     string        `yaml:"addr" validate:"required_if=Driver redis"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// EventsConfig configures lifecycle event publishing. No brokers disables it.
type EventsConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" validate:"required_with=Brokers"`
	Compression  string        `yaml:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	BatchSize    int           `yaml:"batch_size" validate:"gte=0"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	RequiredAcks int           `yaml:"required_acks" validate:"gte=-1,lte=1"`
}

// UploadConfig configures the object store receiving access results.
type UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url" validate:"required_if=Enabled true"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required_if=Enabled true"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_if=Enabled true"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix          string `yaml:"prefix"`
}

// PolicyConfig points at Rego modules resolving policy keys. Without modules
// policies come from the policies file.
type PolicyConfig struct {
	RegoFiles  []string `yaml:"rego_files"`
	Entrypoint string   `yaml:"entrypoint"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Executor: ExecutorConfig{
			MaxConcurrentPerConnection: 4,
			CallTimeout:                governance.DefaultTimeoutConfig().CallTimeout,
			MaxRetries:                 governance.DefaultRetryConfig().MaxRetries,
			InitialBackoff:             governance.DefaultRetryConfig().InitialBackoff,
			MaxBackoff:                 governance.DefaultRetryConfig().MaxBackoff,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: governance.DefaultCircuitBreakerConfig().MaxFailures,
				OpenTimeout: governance.DefaultCircuitBreakerConfig().Timeout,
			},
		},
		Storage: StorageConfig{Driver: "memory"},
		Cache:   CacheConfig{Driver: "memory"},
		Events:  EventsConfig{Topic: "privacy.lifecycle", Compression: "snappy", RequiredAcks: 1},
		Upload:  UploadConfig{Prefix: "access-results"},
		Policy:  PolicyConfig{Entrypoint: "privacy/policy"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("PRIVACY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PRIVACY_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("PRIVACY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PRIVACY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("PRIVACY_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}

	if val := os.Getenv("PRIVACY_SECRETS_KEY"); val != "" {
		cfg.Secrets.Key = val
	}
	if val := os.Getenv("PRIVACY_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("PRIVACY_MAX_RETRIES: %w", err)
		}
		cfg.Executor.MaxRetries = n
	}

	if val := os.Getenv("PRIVACY_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("PRIVACY_STORAGE_DSN"); val != "" {
		cfg.Storage.DSN = val
	}

	if val := os.Getenv("PRIVACY_REDIS_ADDR"); val != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Addr = val
	}
	if val := os.Getenv("PRIVACY_REDIS_PASSWORD"); val != "" {
		cfg.Cache.Password = val
	}

	if val := os.Getenv("PRIVACY_KAFKA_BROKERS"); val != "" {
		cfg.Events.Brokers = splitList(val)
	}
	if val := os.Getenv("PRIVACY_KAFKA_TOPIC"); val != "" {
		cfg.Events.Topic = val
	}

	if val := os.Getenv("PRIVACY_S3_ENDPOINT"); val != "" {
		cfg.Upload.Enabled = true
		cfg.Upload.EndpointURL = val
	}
	if val := os.Getenv("PRIVACY_S3_ACCESS_KEY"); val != "" {
		cfg.Upload.AccessKeyID = val
	}
	if val := os.Getenv("PRIVACY_S3_SECRET_KEY"); val != "" {
		cfg.Upload.SecretAccessKey = val
	}
	if val := os.Getenv("PRIVACY_S3_BUCKET"); val != "" {
		cfg.Upload.Bucket = val
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate normalises and validates the entire configuration.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}

	if c.Executor.MaxBackoff > 0 && c.Executor.InitialBackoff > c.Executor.MaxBackoff {
		return fmt.Errorf("%w: executor.initial_backoff exceeds executor.max_backoff", domain.ErrConfigInvalid)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrConfigInvalid, strings.Join(msgs, "; "))
}

// Retry returns the governance retry configuration.
func (e ExecutorConfig) Retry() governance.RetryConfig {
	cfg := governance.DefaultRetryConfig()
	cfg.MaxRetries = e.MaxRetries
	if e.InitialBackoff > 0 {
		cfg.InitialBackoff = e.InitialBackoff
	}
	if e.MaxBackoff > 0 {
		cfg.MaxBackoff = e.MaxBackoff
	}
	return cfg
}

// Timeouts returns the per-call deadline configuration.
func (e ExecutorConfig) Timeouts() governance.TimeoutConfig {
	return governance.TimeoutConfig{CallTimeout: e.CallTimeout}
}

// Breaker returns the governance circuit breaker configuration.
func (e ExecutorConfig) Breaker() governance.CircuitBreakerConfig {
	cfg := governance.DefaultCircuitBreakerConfig()
	cfg.MaxFailures = e.CircuitBreaker.MaxFailures
	if e.CircuitBreaker.OpenTimeout > 0 {
		cfg.Timeout = e.CircuitBreaker.OpenTimeout
	}
	return cfg
}

// Limits returns per-connection rate limits and the fallback limit.
func (e ExecutorConfig) Limits() (map[string]governance.RateLimiterConfig, governance.RateLimiterConfig) {
	limits := make(map[string]governance.RateLimiterConfig, len(e.RateLimits))
	for key, limit := range e.RateLimits {
		limits[key] = governance.RateLimiterConfig{RequestsPerSecond: limit.RequestsPerSecond, BurstSize: limit.Burst}
	}
	fallback := governance.RateLimiterConfig{
		RequestsPerSecond: e.DefaultRateLimit.RequestsPerSecond,
		BurstSize:         e.DefaultRateLimit.Burst,
	}
	return limits, fallback
}
