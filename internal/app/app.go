package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iotyro/cartsync/internal/auth"
	"github.com/iotyro/cartsync/internal/catalog"
	"github.com/iotyro/cartsync/internal/config"
	"github.com/iotyro/cartsync/internal/event"
	handler "github.com/iotyro/cartsync/internal/handler/http"
	"github.com/iotyro/cartsync/internal/projection"
	"github.com/iotyro/cartsync/internal/store/localstore"
	"github.com/iotyro/cartsync/internal/store/redisstore"
	cartsync "github.com/iotyro/cartsync/internal/sync"
	"github.com/iotyro/cartsync/pkg/health"
	pkgkafka "github.com/iotyro/cartsync/pkg/kafka"
	"github.com/iotyro/cartsync/pkg/tracing"
)

// App wires together all dependencies and runs the cart sync service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	rdb            *redis.Client
	local          *localstore.Store
	producer       *pkgkafka.Producer
	tracerShutdown func(context.Context) error
	httpServer     *http.Server
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "cartsync",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSamplePct,
		Enabled:        cfg.OTLPEndpoint != "",
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize Redis client for the remote cart store.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis",
		slog.String("addr", cfg.RedisAddr),
		slog.Int("db", cfg.RedisDB),
	)

	// Open the SQLite guest cart store.
	local, err := localstore.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open guest cart store: %w", err)
	}
	logger.Info("opened guest cart store", slog.String("path", cfg.LocalDBPath))

	// Initialize Kafka producer.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	remote := redisstore.New(rdb, cfg.CartTTLDuration())
	eventProducer := event.NewProducer(producer, logger)

	var cat cartsync.Catalog
	if cfg.CatalogURL != "" {
		cat = catalog.New(cfg.CatalogURL, logger)
		logger.Info("catalog checks enabled", slog.String("url", cfg.CatalogURL))
	}

	engine := cartsync.NewEngine(remote, local, cat, eventProducer, logger)
	views := projection.New(engine, remote, local, cfg.ViewCacheTTLDuration(), logger)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	// Health checks. Redis is optional: when it is down the engine serves
	// degraded reads and writes from the local store, so readiness stays up.
	healthHandler := health.NewHandler()
	healthHandler.RegisterOptional("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	healthHandler.Register("localstore", func(ctx context.Context) error {
		return local.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(engine, views, verifier, healthHandler, cfg.Environment, logger)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: watch streams are open-ended. Handler-level
		// timeouts cover the request/response endpoints.
		IdleTimeout: 60 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		rdb:            rdb,
		local:          local,
		producer:       producer,
		tracerShutdown: tracerShutdown,
		httpServer:     httpServer,
	}, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
	}

	if err := a.local.Close(); err != nil {
		a.logger.Error("guest cart store close error", slog.String("error", err.Error()))
	}

	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
	}

	if err := a.tracerShutdown(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Info("application shutdown complete")
	return nil
}
