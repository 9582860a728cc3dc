// Command worker runs one domain's command dispatch loop (C7) to
// quiescence, wired the way the teacher's cmd/server/main.go wires
// queue.Coordinator: config load, pool, metrics, sentry, then the worker
// itself, with signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fulcrumbus/commandbus/internal/alerting"
	"github.com/fulcrumbus/commandbus/internal/auditbridge"
	"github.com/fulcrumbus/commandbus/internal/batch"
	"github.com/fulcrumbus/commandbus/internal/command"
	"github.com/fulcrumbus/commandbus/internal/config"
	"github.com/fulcrumbus/commandbus/internal/database"
	"github.com/fulcrumbus/commandbus/internal/handler"
	"github.com/fulcrumbus/commandbus/internal/logging"
	"github.com/fulcrumbus/commandbus/internal/observability"
	"github.com/fulcrumbus/commandbus/internal/queue"
	"github.com/fulcrumbus/commandbus/internal/worker"
	"github.com/fulcrumbus/commandbus/internal/workerreg"
	"github.com/fulcrumbus/commandbus/migrations"
)

func main() {
	domain := flag.String("domain", "", "command-bus domain this worker dispatches (required)")
	concurrency := flag.Int("concurrency", 0, "override WORKER_CONCURRENCY; 0 keeps the config value")
	visibilityTimeout := flag.Duration("visibility-timeout", 0, "override WORKER_VISIBILITY_TIMEOUT; 0 keeps the config value")
	flag.Parse()

	if *domain == "" {
		log.Fatal("worker: -domain is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range []string{"cmd/worker/.env", ".env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	logger.Info("starting command bus worker", slog.String("env", cfg.AppEnv), slog.String("domain", *domain))

	if err := alerting.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Sentry.Release); err != nil {
		logger.Error("sentry init failed", slog.String("error", err.Error()))
	}
	if alerting.Enabled() {
		defer alerting.Flush(5 * time.Second)
	}

	metrics := observability.NewMetrics(cfg.Prometheus.Namespace, prometheus.DefaultRegisterer)

	if err := database.EnsureDatabaseExists(ctx, cfg.Postgres.DSN, logger); err != nil {
		logger.Error("ensure database exists", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool, err := database.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Error("postgres connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool, logger); err != nil {
		logger.Error("apply migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var auditBus *auditbridge.Client
	if cfg.AuditBridge.Enabled {
		auditMetrics := auditbridge.NewMetrics(cfg.Prometheus.Namespace, prometheus.DefaultRegisterer)
		auditBus = auditbridge.NewClient(auditbridge.Config{
			URL:            cfg.AuditBridge.URL,
			Token:          cfg.AuditBridge.Token,
			ConnectTimeout: cfg.AuditBridge.ConnectTimeout,
			ReconnectWait:  cfg.AuditBridge.ReconnectWait,
			MaxReconnects:  cfg.AuditBridge.MaxReconnects,
			PublishTimeout: cfg.AuditBridge.PublishTimeout,
			DrainTimeout:   cfg.AuditBridge.DrainTimeout,
			Stream:         cfg.AuditBridge.Stream,
		}, logger, auditMetrics)
		if err := auditBus.Connect(ctx); err != nil {
			logger.Error("audit bridge connect failed, continuing without it", slog.String("error", err.Error()))
			auditBus = nil
		} else {
			defer func() {
				if err := auditBus.Drain(cfg.AuditBridge.DrainTimeout); err != nil {
					logger.Warn("audit bridge drain error", slog.String("error", err.Error()))
				}
			}()
		}
	}

	batches := batch.NewRepository(pool)
	commands := command.NewRepository(pool, batches)
	q := queue.NewClient(pool, logger)

	workerID := *domain + "-" + uuid.NewString()
	fleet := workerreg.NewRegistry(pool, workerID, workerHostname(), cfg.AppEnv, workerreg.Config{
		HeartbeatInterval: cfg.WorkerRegistry.HeartbeatInterval,
		Expiry:            cfg.WorkerRegistry.Expiry,
	}, logger)
	if err := fleet.Start(ctx); err != nil {
		logger.Error("worker registry start failed", slog.String("error", err.Error()))
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		fleet.Stop(stopCtx)
	}()

	registry := handler.NewRegistry()
	registerHandlers(registry)

	w := worker.New(pool, q, commands, batches, registry, noopNotifier{}, logger, metrics, worker.Config{
		Domain:            *domain,
		VisibilityTimeout: orDefault(*visibilityTimeout, cfg.Worker.VisibilityTimeout),
		PollInterval:      cfg.Worker.PollInterval,
		Concurrency:       orDefaultInt(*concurrency, cfg.Worker.Concurrency),
		UseNotify:         cfg.Worker.UseNotify,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
		RetryPolicy:       worker.DefaultRetryPolicy(),
	})
	if auditBus != nil {
		w.SetAuditBridge(auditBus)
	}

	w.Start(ctx)
	logger.Info("worker running", slog.String("domain", *domain), slog.Int("concurrency", orDefaultInt(*concurrency, cfg.Worker.Concurrency)))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight commands")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		logger.Warn("worker stop did not complete cleanly", slog.String("error", err.Error()))
	}
}

// registerHandlers is this deployment's extension point: concrete
// business handlers for *domain are registered here via registry.Scan or
// registry.Register. None are part of the generic command bus itself.
func registerHandlers(r *handler.Registry) {
	_ = r
}

// noopNotifier satisfies worker.BatchNotifier for a standalone worker
// binary that doesn't also host the bus's in-process completion
// callbacks; batch resolution is still fully recorded in the batch table
// regardless of whether anything is listening for the in-memory event.
type noopNotifier struct{}

func (noopNotifier) NotifyBatchComplete(domain string, batchID uuid.UUID, status string) {}

func orDefault(override, configured time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return configured
}

func orDefaultInt(override, configured int) int {
	if override > 0 {
		return override
	}
	return configured
}

func workerHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
