package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/config"
	"github.com/tributary-ai/task-router/internal/health"
	"github.com/tributary-ai/task-router/internal/intelligence"
	"github.com/tributary-ai/task-router/internal/metrics"
	"github.com/tributary-ai/task-router/internal/providers/builtin"
	"github.com/tributary-ai/task-router/internal/routing"
	"github.com/tributary-ai/task-router/internal/server"
	"github.com/tributary-ai/task-router/internal/store"
)

// replayWindow is how much persisted history warms the predictor and forecaster
const replayWindow = 7 * 24 * time.Hour

// Application owns every component and the order they start and stop in
type Application struct {
	config *config.Config
	logger *logrus.Logger
	clock  clock.Clock

	store      store.RoutingCollaborator
	sink       *store.BufferedSink
	redis      *redis.Client
	monitor    *health.Monitor
	metrics    *metrics.Metrics
	router     *routing.Router
	predictor  *intelligence.Predictor
	forecaster *intelligence.Forecaster
	engine     *intelligence.Engine
	feed       *intelligence.CompletionFeed
	server     *server.Server
}

// NewApplication loads configuration and wires the components
func NewApplication(ctx context.Context, configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	return newApplication(ctx, cfg, clock.New(), logger)
}

func newApplication(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *logrus.Logger) (_ *Application, err error) {
	app := &Application{config: cfg, logger: logger, clock: clk}
	// release whatever was opened before the failure
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.store, err = store.Open(ctx, cfg.Storage.BackendConfig, clk, logger)
	if err != nil {
		return nil, err
	}
	if err = cfg.Catalog.Seed(ctx, app.store, app.store); err != nil {
		return nil, err
	}

	var sink store.PerformanceMetricSink = app.store
	if cfg.Storage.AsyncMetrics {
		app.sink = store.NewBufferedSink(app.store, cfg.Storage.Buffer, clk, logger)
		sink = app.sink
	}

	probers, err := builtin.NewProbers(cfg.Providers, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider probers: %w", err)
	}
	app.monitor = health.NewMonitor(cfg.Health, probers, clk, logger)

	if cfg.Metrics.Enabled {
		app.metrics = metrics.New()
		app.monitor.AddObserver(app.metrics)
	}

	cache, err := app.decisionCache(ctx)
	if err != nil {
		return nil, err
	}

	app.router, err = routing.NewRouter(routing.Dependencies{
		Tasks:    app.store,
		Registry: app.store,
		Sink:     sink,
		Health:   app.monitor,
		Cache:    cache,
		Metrics:  app.metrics,
		Clock:    clk,
	}, cfg.Router.Config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	app.predictor = intelligence.NewPredictor(cfg.Intelligence.Predictor, clk, app.metrics, logger)
	app.forecaster = intelligence.NewForecaster(cfg.Intelligence.Forecaster, clk, app.metrics, logger)
	app.engine = intelligence.NewEngine(app.predictor, app.forecaster, clk, app.metrics, logger)
	app.feed = intelligence.NewCompletionFeed(app.predictor, app.forecaster, cfg.Intelligence.Feed, logger)
	app.router.AddCompletionObserver(app.feed)
	app.replayHistory(ctx)

	app.server, err = server.NewServer(server.Services{
		Router:          app.router,
		Health:          app.monitor,
		Tasks:           app.store,
		Registry:        app.store,
		Metrics:         app.metrics,
		Engine:          app.engine,
		Predictor:       app.predictor,
		Forecaster:      app.forecaster,
		DefaultStrategy: cfg.Intelligence.DefaultStrategy,
	}, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"storage":   cfg.Storage.Driver,
		"cache":     cfg.Router.CacheBackend,
		"providers": cfg.GetEnabledProviders(),
	}).Info("Application initialized")
	return app, nil
}

func (app *Application) decisionCache(ctx context.Context) (routing.DecisionCache, error) {
	if app.config.Router.CacheBackend != "redis" {
		return routing.NewMemoryDecisionCache(app.config.Router.CacheTTL, app.clock), nil
	}

	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.config.Redis.Addr,
		Password: app.config.Redis.Password,
		DB:       app.config.Redis.DB,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", app.config.Redis.Addr, err)
	}
	return routing.NewRedisDecisionCache(app.redis, app.config.Redis.KeyPrefix, app.config.Router.CacheTTL, app.clock, app.logger), nil
}

// replayHistory warms the predictor and forecaster from stored buckets.
// Failure only costs the warm start.
func (app *Application) replayHistory(ctx context.Context) {
	buckets, err := app.store.ListBuckets(ctx, "", app.clock.Now().Add(-replayWindow))
	if err != nil {
		app.logger.WithError(err).Warn("Failed to read metric history")
		return
	}
	if n := app.feed.Replay(buckets); n > 0 {
		app.logger.WithField("buckets", n).Info("Replayed metric history")
	}
}

// Run starts the health monitor and HTTP server and blocks until a shutdown signal
func (app *Application) Run() error {
	app.logger.Info("Starting task router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go app.monitor.Run(ctx)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}

	app.Close()
	app.logger.Info("Graceful shutdown completed")
	return runErr
}

// Close flushes pending metrics and releases connections. Safe on a partially built application.
func (app *Application) Close() {
	if app == nil {
		return
	}
	if app.feed != nil {
		app.feed.Flush()
	}
	if app.sink != nil {
		app.sink.Stop()
		written, dropped, failures := app.sink.Stats()
		app.logger.WithFields(logrus.Fields{
			"written":  written,
			"dropped":  dropped,
			"failures": failures,
		}).Info("Metric writer stopped")
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close redis client")
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close storage")
		}
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}
