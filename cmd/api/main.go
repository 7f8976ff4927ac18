package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/session-replay/internal/buffer"
	"github.com/adiadia/session-replay/internal/config"
	"github.com/adiadia/session-replay/internal/logging"
	"github.com/adiadia/session-replay/internal/metrics"
	"github.com/adiadia/session-replay/internal/notify"
	"github.com/adiadia/session-replay/internal/persistence/memory"
	"github.com/adiadia/session-replay/internal/persistence/postgres"
	"github.com/adiadia/session-replay/internal/persistence/sqlite"
	"github.com/adiadia/session-replay/internal/replay"
	"github.com/adiadia/session-replay/internal/repository"
	httptransport "github.com/adiadia/session-replay/internal/transport/http"
	"github.com/adiadia/session-replay/internal/worker"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)
	metrics.Init()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	kv, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	repo := repository.NewSessionRepository(kv, cfg.MaxIndexEntries, logging.Component(logger, "repository"))
	persister := replay.NewPersister(repo, logging.Component(logger, "persister"))
	notifier := notify.NewWebhook(
		cfg.FinalizeWebhookURL,
		cfg.FinalizeWebhookSecret,
		nil,
		logging.Component(logger, "webhook"),
	)

	w := worker.New(worker.Deps{
		Persister:   persister,
		Notifier:    notifier,
		Logger:      logging.Component(logger, "worker"),
		MaxAttempts: cfg.PersistMaxAttempts,
	})

	deps := httptransport.Deps{
		Persister:     persister,
		Notifier:      notifier,
		Health:        health,
		Logger:        logger,
		InternalToken: cfg.InternalToken,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Version:       Version,
		Commit:        Commit,
		BuildDate:     BuildDate,
	}

	var registry *buffer.Registry
	if cfg.BufferEnabled {
		registry = buffer.NewRegistry(buffer.Options{
			InactivityTimeout: cfg.InactivityTimeout,
			OnExpire:          w.Expired,
			Logger:            logging.Component(logger, "buffer"),
		})
		deps.Buffer = registry
		deps.Catalog = replay.NewCatalog(repo, registry, cfg.MaxIndexEntries, logger)
	} else {
		deps.Catalog = replay.NewCatalog(repo, nil, cfg.MaxIndexEntries, logger)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The worker outlives the server so drained sessions can still be persisted.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(workerCtx)
	})

	g.Go(func() error {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"store", cfg.StoreDriver,
			"buffer", cfg.BufferEnabled,
			"inactivity_timeout", cfg.InactivityTimeout,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		defer stopWorker()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}

		if registry == nil {
			return nil
		}

		drained := registry.Shutdown(shutdownCtx)
		logger.Info("session buffers drained", "sessions", len(drained))
		for _, data := range drained {
			if err := w.Submit(shutdownCtx, worker.Job{Data: data, Trigger: metrics.TriggerShutdown}); err != nil {
				logger.Error("drained session dropped",
					"session_id", data.Metadata.SessionID,
					"event_count", len(data.Events),
					"error", err,
				)
			}
		}
		return nil
	})

	return g.Wait()
}

// openStore selects the key/value backend. The returned health check backs
// /readyz and close releases the backend's resources.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.KV, httptransport.HealthChecker, func(), error) {
	storeLogger := logging.Component(logger, "store")

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect failed: %w", err)
		}

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, storeLogger); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}

		kv := postgres.NewKVStore(pool, storeLogger)
		return kv, postgres.NewSchemaHealthChecker(pool), pool.Close, nil

	case config.DriverSQLite:
		kv, err := sqlite.Open(cfg.SQLitePath, storeLogger)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := kv.Close(); err != nil {
				logger.Error("sqlite close failed", "error", err)
			}
		}
		return kv, httptransport.HealthCheckFunc(kv.Ping), closeFn, nil

	case config.DriverMemory:
		logger.Warn("memory store selected, sessions will not survive restart")
		kv := memory.NewKVStore()
		return kv, httptransport.HealthCheckFunc(kv.Ping), func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
