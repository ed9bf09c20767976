// Command router launches the dexroute order API, queue worker and execution pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/app/ingress"
	"github.com/coachpo/dexroute/internal/app/pipeline"
	"github.com/coachpo/dexroute/internal/domain/jobstore"
	"github.com/coachpo/dexroute/internal/domain/orderstore"
	"github.com/coachpo/dexroute/internal/infra/config"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/notify"
	"github.com/coachpo/dexroute/internal/infra/persistence/memory"
	"github.com/coachpo/dexroute/internal/infra/persistence/migrations"
	"github.com/coachpo/dexroute/internal/infra/persistence/postgres"
	"github.com/coachpo/dexroute/internal/infra/queue"
	httpserver "github.com/coachpo/dexroute/internal/infra/server/http"
	"github.com/coachpo/dexroute/internal/infra/telemetry"
	"github.com/coachpo/dexroute/internal/infra/venue"
)

const (
	defaultConfigPath        = "config/app.yaml"
	meterName                = "github.com/coachpo/dexroute"
	shutdownTimeout          = 60 * time.Second
	workerShutdownTimeout    = 45 * time.Second
	databaseShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(appCfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.Info("configuration initialised",
		zap.String("env", string(appCfg.Environment)),
		zap.String("storage", string(appCfg.Storage.Driver)),
		zap.Int("venues", len(appCfg.Venues)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}
	meter := telemetryProvider.Meter(meterName)
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	stores, err := openStores(ctx, logger, meter, appCfg)
	if err != nil {
		return err
	}

	venues, err := venue.Build(appCfg.Venues, metrics, logger.Named("venue"))
	if err != nil {
		return fmt.Errorf("build venues: %w", err)
	}
	logger.Info("venues ready", zap.Strings("venues", venues.Names()))

	hub := notify.NewHub(notify.Options{
		BufferSize:   appCfg.Notifier.BufferSize,
		WriteTimeout: appCfg.Notifier.WriteTimeout,
		Metrics:      metrics,
		Logger:       logger.Named("notify"),
	})

	pipe, err := pipeline.New(stores.orders, venues, hub, appCfg.Pipeline,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	producer, err := queue.NewProducer(stores.jobs, appCfg.Queue.Queue, appCfg.Queue.Job)
	if err != nil {
		return fmt.Errorf("init producer: %w", err)
	}
	worker, err := queue.NewWorker(stores.jobs, pipe.Handle, appCfg.Queue.WorkerConfig,
		queue.WithWorkerLogger(logger.Named("worker")),
		queue.WithWorkerMetrics(metrics),
		queue.WithDeadLetter(pipe.DeadLetter))
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	service, err := ingress.NewService(stores.orders, producer, ingress.WithLogger(logger.Named("ingress")))
	if err != nil {
		return fmt.Errorf("init ingress: %w", err)
	}

	var lifecycle conc.WaitGroup
	workerCtx, stopWorker := context.WithCancel(context.Background())
	lifecycle.Go(func() {
		if err := worker.Run(workerCtx); err != nil {
			logger.Error("worker stopped", zap.Error(err))
		}
	})

	apiServer := &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(service, hub, httpserver.Options{Logger: logger.Named("http")}),
		ReadHeaderTimeout: appCfg.APIServer.ReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", zap.Error(err))
			cancel()
		}
	})
	logger.Info("order API listening", zap.String("addr", apiServer.Addr))

	logger.Info("router started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		stopWorker:    stopWorker,
		lifecycle:     &lifecycle,
		hub:           hub,
		closeStores:   stores.close,
		telemetry:     telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *zap.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

type storeSet struct {
	orders orderstore.Store
	jobs   jobstore.Store
	close  func(context.Context) error
}

func openStores(ctx context.Context, logger *zap.Logger, meter metric.Meter, appCfg config.AppConfig) (storeSet, error) {
	if appCfg.Storage.Driver == config.StorageMemory {
		logger.Warn("using in-memory storage; orders and jobs are lost on restart")
		return storeSet{
			orders: memory.NewOrderStore(),
			jobs:   memory.NewJobStore(),
			close:  func(context.Context) error { return nil },
		}, nil
	}

	if appCfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, appCfg.Database.DSN, appCfg.Database.MigrationsDir, logger.Named("migrate")); err != nil {
			return storeSet{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, appCfg.Database.PoolConfig, logger.Named("postgres"))
	if err != nil {
		return storeSet{}, fmt.Errorf("connect database: %w", err)
	}
	registration, err := postgres.ObservePoolMetrics(meter, pool, "primary")
	if err != nil {
		pool.Close()
		return storeSet{}, fmt.Errorf("register pool metrics: %w", err)
	}
	store := postgres.New(pool)
	return storeSet{
		orders: store.Orders,
		jobs:   store.Jobs,
		close:  closePool(store.Pool(), registration),
	}, nil
}

func closePool(pool *pgxpool.Pool, registration metric.Registration) func(context.Context) error {
	return func(context.Context) error {
		var err error
		if registration != nil {
			err = registration.Unregister()
		}
		pool.Close()
		return err
	}
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	stopWorker    context.CancelFunc
	lifecycle     *conc.WaitGroup
	hub           *notify.Hub
	closeStores   func(context.Context) error
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		} else {
			logger.Info("shutdown step completed", zap.String("step", name))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.stopWorker != nil {
		cfg.stopWorker()
	}
	if cfg.lifecycle != nil {
		shutdownStep("draining worker", workerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.hub != nil {
		logger.Info("shutdown: closing subscriptions", zap.Int("open", cfg.hub.Len()))
		cfg.hub.Close()
	}

	if cfg.closeStores != nil {
		shutdownStep("closing database", databaseShutdownTimeout, cfg.closeStores)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
