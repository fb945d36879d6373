package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/events"
	"github.com/polisai/polis-privacy/pkg/masking"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/storage"
	"github.com/polisai/polis-privacy/pkg/telemetry"
	"github.com/polisai/polis-privacy/pkg/upload"
)

// DatasetSource supplies the dataset declarations a plan is built from. Each
// Run reads it once, so reloads only affect later plans.
type DatasetSource interface {
	Datasets() []domain.Dataset
}

// StaticDatasets serves a fixed set of declarations.
type StaticDatasets []domain.Dataset

// Datasets implements DatasetSource.
func (s StaticDatasets) Datasets() []domain.Dataset { return s }

// CredentialProvider gives scoped access to decrypted connection credentials.
// *secrets.Store implements it.
type CredentialProvider interface {
	WithDecrypted(ctx context.Context, key string, fn func(cfg domain.ConnectionConfig, creds connector.Credentials) error) error
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Datasets   DatasetSource
	Requests   storage.RequestStore
	Results    storage.ResultCache
	Secrets    CredentialProvider
	Connectors *connector.Registry
	Strategies *masking.Registry
	// Policies resolves a request's policy key when Run is given no policy.
	Policies policy.Source
	Events   events.Publisher
	Uploader upload.Uploader
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger

	// MaxConcurrentPerConnection caps in-flight calls per connection across
	// all requests of the executor.
	MaxConcurrentPerConnection int
	// Retry is used as given: MaxRetries 0 disables retries. Unset backoff
	// fields take the governance defaults.
	Retry                      governance.RetryConfig
	Timeouts                   governance.TimeoutConfig
	CircuitBreaker             governance.CircuitBreakerConfig
	RateLimits                 map[string]governance.RateLimiterConfig
	DefaultRateLimit           governance.RateLimiterConfig

	// Sleep replaces the wait between retries. Tests use it to record delays.
	Sleep governance.SleepFunc
	Now   func() time.Time
	NewID func() string
}

const defaultMaxConcurrentPerConnection = 4

func (cfg *ExecutorConfig) withDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Results == nil {
		cfg.Results = storage.NewMemoryResultCache()
	}
	if cfg.Strategies == nil {
		cfg.Strategies = masking.NewRegistry()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.MaxConcurrentPerConnection <= 0 {
		cfg.MaxConcurrentPerConnection = defaultMaxConcurrentPerConnection
	}
	defaults := governance.DefaultRetryConfig()
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if cfg.Timeouts == (governance.TimeoutConfig{}) {
		cfg.Timeouts = governance.DefaultTimeoutConfig()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = governance.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
}
