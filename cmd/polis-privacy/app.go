package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-privacy/pkg/config"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/connector/memory"
	"github.com/polisai/polis-privacy/pkg/connector/sqldb"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/engine"
	"github.com/polisai/polis-privacy/pkg/events"
	"github.com/polisai/polis-privacy/pkg/logging"
	"github.com/polisai/polis-privacy/pkg/masking"
	"github.com/polisai/polis-privacy/pkg/secrets"
	"github.com/polisai/polis-privacy/pkg/storage"
	"github.com/polisai/polis-privacy/pkg/telemetry"
	"github.com/polisai/polis-privacy/pkg/upload"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

// appOptions carries per-command inputs that are not persistent flags.
type appOptions struct {
	SeedPath  string
	ErrOutput io.Writer
}

// app holds the wired components of one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	secrets  *secrets.Store
	executor *engine.Executor

	closers []func() error
}

// newApp builds the executor and everything it depends on. Components are
// closed in reverse order of creation by Close.
func newApp(ctx context.Context, opts *rootOptions, appOpts appOptions) (_ *app, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: appOpts.ErrOutput,
	})

	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	telemetryShutdown, err := initializeTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry initialization failed: %w", err)
	}
	a.onClose(func() error {
		shutdownTelemetry(logger, telemetryShutdown)
		return nil
	})

	if opts.Datasets == "" {
		return nil, fmt.Errorf("--datasets is required")
	}
	datasets, err := config.NewDatasetProvider(opts.Datasets, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(datasets.Close)

	registry := connector.NewRegistry()
	sqldb.Register(registry)
	mem := memory.NewStore()
	mem.Register(registry)
	if appOpts.SeedPath != "" {
		if err := seedMemory(mem, appOpts.SeedPath); err != nil {
			return nil, err
		}
	}

	vault, err := newSecretsStore(cfg, registry, logger)
	if err != nil {
		return nil, err
	}
	a.secrets = vault
	if opts.Connections != "" {
		if err := sealConnections(ctx, vault, opts.Connections); err != nil {
			return nil, err
		}
	}

	requests, err := openRequestStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(requests.Close)

	results, err := openResultCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := results.(io.Closer); ok {
		a.onClose(closer.Close)
	}

	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(publisher.Close)

	execCfg := engine.ExecutorConfig{
		Datasets:                   datasets,
		Requests:                   requests,
		Results:                    results,
		Secrets:                    vault,
		Connectors:                 registry,
		Strategies:                 masking.NewRegistry(),
		Events:                     publisher,
		Metrics:                    a.metrics,
		Logger:                     logger,
		MaxConcurrentPerConnection: cfg.Executor.MaxConcurrentPerConnection,
		Retry:                      cfg.Executor.Retry(),
		Timeouts:                   cfg.Executor.Timeouts(),
		CircuitBreaker:             cfg.Executor.Breaker(),
	}
	execCfg.RateLimits, execCfg.DefaultRateLimit = cfg.Executor.Limits()

	if len(cfg.Policy.RegoFiles) > 0 || opts.Policies != "" {
		source, err := policySource(ctx, cfg, opts, a)
		if err != nil {
			return nil, err
		}
		execCfg.Policies = source
	}

	if cfg.Upload.Enabled {
		uploader, err := openUploader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		execCfg.Uploader = uploader
	}

	if cfg.Metrics.Address != "" {
		server := startMetricsServer(cfg.Metrics.Address, a.metrics, logger)
		a.onClose(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	a.executor = engine.NewExecutor(execCfg)
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every component, logging failures.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown error", "error", err)
		}
	}
	a.closers = nil
}

// initializeTelemetry sets up OpenTelemetry with the provided configuration.
func initializeTelemetry(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	return telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Environment:  os.Getenv("PRIVACY_ENVIRONMENT"),
		ResourceTags: map[string]string{"log.level": cfg.Logging.Level},
	})
}

// shutdownTelemetry flushes buffered spans.
func shutdownTelemetry(logger *slog.Logger, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown error", "error", err)
	}
}

// newSecretsStore seals with the configured key, or with a process-local key
// when none is configured. Sealed bundles only live as long as the process in
// the latter case.
func newSecretsStore(cfg *config.Config, registry *connector.Registry, logger *slog.Logger) (*secrets.Store, error) {
	var key []byte
	var err error
	if cfg.Secrets.Key != "" {
		key, err = secrets.ParseKey(cfg.Secrets.Key)
	} else {
		logger.Warn("no secrets key configured, sealing with an ephemeral key")
		key, err = secrets.GenerateKey()
	}
	if err != nil {
		return nil, err
	}
	return secrets.NewStore(secrets.Config{
		Key:         key,
		Connections: storage.NewMemoryConnectionRepository(),
		Connectors:  registry,
		Logger:      logger,
	})
}

// sealConnections stores every declared connection with its secrets sealed.
func sealConnections(ctx context.Context, vault *secrets.Store, path string) error {
	specs, err := config.LoadConnections(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		bundle := make(map[string]string, len(spec.Secrets))
		for k, v := range spec.Secrets {
			bundle[k] = os.ExpandEnv(v)
		}
		clear(spec.Secrets)
		if err := vault.Store(ctx, spec.Config(), bundle); err != nil {
			return err
		}
	}
	return nil
}

func openRequestStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.RequestStore, error) {
	if cfg.Storage.Driver != "postgres" {
		logger.Info("using in-memory request store")
		return storage.NewMemoryRequestStore(), nil
	}
	store, err := storage.OpenSQLRequestStore(ctx, cfg.Storage.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func openResultCache(ctx context.Context, cfg *config.Config) (storage.ResultCache, error) {
	if cfg.Cache.Driver != "redis" {
		return storage.NewMemoryResultCache(), nil
	}
	return storage.NewRedisResultCache(ctx, storage.RedisConfig{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Prefix:   cfg.Cache.Prefix,
		TTL:      cfg.Cache.TTL,
	})
}

func openPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if len(cfg.Events.Brokers) == 0 {
		return events.Nop{}, nil
	}
	return events.NewKafkaPublisher(events.ProducerConfig{
		Brokers:      cfg.Events.Brokers,
		Topic:        cfg.Events.Topic,
		BatchSize:    cfg.Events.BatchSize,
		BatchTimeout: cfg.Events.BatchTimeout,
		RequiredAcks: cfg.Events.RequiredAcks,
		Compression:  cfg.Events.Compression,
	}, logger)
}

func openUploader(ctx context.Context, cfg *config.Config) (upload.Uploader, error) {
	store, err := upload.NewS3Store(upload.Config{
		EndpointURL:     cfg.Upload.EndpointURL,
		AccessKeyID:     cfg.Upload.AccessKeyID,
		SecretAccessKey: cfg.Upload.SecretAccessKey,
		Region:          cfg.Upload.Region,
		UseSSL:          cfg.Upload.UseSSL,
		Bucket:          cfg.Upload.Bucket,
		Prefix:          cfg.Upload.Prefix,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx, cfg.Upload.Bucket); err != nil {
		return nil, fmt.Errorf("upload: ensure bucket %s: %w", cfg.Upload.Bucket, err)
	}
	return upload.NewResultUploader(store, cfg.Upload.Bucket, cfg.Upload.Prefix), nil
}

// startMetricsServer serves the Prometheus registry in the background.
func startMetricsServer(addr string, metrics *telemetry.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "privacy.metrics"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("metrics server listen error", "error", err)
			return
		}
		logger.Info("metrics server listening", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return server
}

// seedFile maps connection key -> collection -> rows.
type seedFile map[string]map[string][]domain.Row

// seedMemory loads rows into memory connections.
func seedMemory(mem *memory.Store, path string) error {
	//nolint:gosec // Seed file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	var seeds seedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	for connection, collections := range seeds {
		for collection, rows := range collections {
			mem.Seed(connection, collection, rows...)
		}
	}
	return nil
}
