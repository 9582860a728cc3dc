// Command router runs the process reply router (C10) for one domain's
// process-reply queue, wired the same way cmd/worker wires the command
// dispatch loop.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulcrumbus/commandbus/internal/alerting"
	"github.com/fulcrumbus/commandbus/internal/audit"
	"github.com/fulcrumbus/commandbus/internal/auditbridge"
	"github.com/fulcrumbus/commandbus/internal/config"
	"github.com/fulcrumbus/commandbus/internal/database"
	"github.com/fulcrumbus/commandbus/internal/logging"
	"github.com/fulcrumbus/commandbus/internal/observability"
	"github.com/fulcrumbus/commandbus/internal/process"
	"github.com/fulcrumbus/commandbus/internal/queue"
	"github.com/fulcrumbus/commandbus/migrations"
)

func main() {
	domain := flag.String("domain", "", "command-bus domain this router drains replies for (required)")
	concurrency := flag.Int("concurrency", 0, "override ROUTER_CONCURRENCY; 0 keeps the config value")
	flag.Parse()

	if *domain == "" {
		log.Fatal("router: -domain is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range []string{"cmd/router/.env", ".env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	logger.Info("starting process reply router", slog.String("env", cfg.AppEnv), slog.String("domain", *domain))

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

	q := queue.NewClient(pool, logger)
	auditRepo := audit.NewRepository(pool)
	processes := process.NewRepository(pool)

	r := process.NewRouter(pool, q, processes, logger, process.RouterConfig{
		Domain:            *domain,
		VisibilityTimeout: cfg.Router.VisibilityTimeout,
		PollInterval:      cfg.Router.PollInterval,
		Concurrency:       orDefaultInt(*concurrency, cfg.Router.Concurrency),
		UseNotify:         cfg.Router.UseNotify,
		ShutdownTimeout:   cfg.Router.ShutdownTimeout,
	})
	registerProcessManagers(r, pool, q, auditRepo, processes, logger, metrics, cfg.Bus.DefaultMaxAttempts)

	r.Start(ctx)
	logger.Info("router running", slog.String("domain", *domain))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight replies")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Router.ShutdownTimeout)
	defer stopCancel()
	if err := r.Stop(stopCtx); err != nil {
		logger.Warn("router stop did not complete cleanly", slog.String("error", err.Error()))
	}
}

// registerProcessManagers is this deployment's extension point: construct
// each concrete process.Engine[S] this domain runs with
// process.NewEngine(pool, q, commands, processes, auditRepo, manager,
// defaultMaxAttempts, logger, metrics) and call r.Register(manager.
// ProcessType(), engine) here. None are part of the generic command bus
// itself.
func registerProcessManagers(r *process.Router, pool *pgxpool.Pool, q *queue.Client, auditRepo *audit.Repository, processes *process.Repository, logger *slog.Logger, metrics *observability.Metrics, defaultMaxAttempts int) {
	_, _, _, _, _, _, _ = pool, q, auditRepo, processes, logger, metrics, defaultMaxAttempts
}

func orDefaultInt(override, configured int) int {
	if override > 0 {
		return override
	}
	return configured
}
