// Command migrate applies every embedded migration in migrations/*.sql to
// the configured database and exits, wired the same way cmd/worker and
// cmd/router bootstrap their connection: config load, ensure-database,
// connect, apply.
package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fulcrumbus/commandbus/internal/config"
	"github.com/fulcrumbus/commandbus/internal/database"
	"github.com/fulcrumbus/commandbus/internal/logging"
	"github.com/fulcrumbus/commandbus/migrations"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range []string{"cmd/migrate/.env", ".env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	logger.Info("running migrations", slog.String("env", cfg.AppEnv))

	if err := database.EnsureDatabaseExists(ctx, cfg.Postgres.DSN, logger); err != nil {
		log.Fatalf("ensure database exists: %v", err)
	}

	pool, err := database.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		log.Fatalf("postgres connect: %v", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool, logger); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	logger.Info("migrations applied")
}
