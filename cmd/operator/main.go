// Command operator is the troubleshooting queue's (C8) operator surface: a
// one-shot CLI over tsq.Service, wired the same way cmd/migrate trims
// cmd/worker's bootstrap down to what a single action needs (config load,
// pool, no metrics/audit-bridge/sentry). It is the construction site for
// the Redis-backed operator-action lock (internal/oplock) and the worker
// heartbeat registry (internal/workerreg) read path, both of which
// cmd/worker and cmd/router have no reason to touch directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/fulcrumbus/commandbus/internal/batch"
	"github.com/fulcrumbus/commandbus/internal/command"
	"github.com/fulcrumbus/commandbus/internal/config"
	"github.com/fulcrumbus/commandbus/internal/database"
	"github.com/fulcrumbus/commandbus/internal/logging"
	"github.com/fulcrumbus/commandbus/internal/oplock"
	"github.com/fulcrumbus/commandbus/internal/queue"
	"github.com/fulcrumbus/commandbus/internal/redis"
	"github.com/fulcrumbus/commandbus/internal/tsq"
	"github.com/fulcrumbus/commandbus/internal/workerreg"
)

func main() {
	domain := flag.String("domain", "", "command-bus domain to operate on (required)")
	commandID := flag.String("command-id", "", "command_id, required by retry/cancel/complete")
	reason := flag.String("reason", "", "operator-supplied reason, used by cancel")
	operator := flag.String("operator", "", "operator identity recorded on the audit event (required for retry/cancel/complete)")
	result := flag.String("result", "{}", "JSON result payload, used by complete")
	commandType := flag.String("type", "", "filter list by command_type")
	limit := flag.Int("limit", 100, "list page size")
	offset := flag.Int("offset", 0, "list page offset")
	flag.Parse()

	action := flag.Arg(0)
	if action == "" || *domain == "" {
		log.Fatal("operator: usage: operator -domain D [-command-id ID -operator NAME ...] list|retry|cancel|complete|fleet")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range []string{"cmd/operator/.env", ".env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger := logging.New(cfg.Log.Level)

	pool, err := database.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Error("postgres connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(redis.Config{
		Addr:       cfg.Redis.Addr,
		Username:   cfg.Redis.Username,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	defer redisClient.Close()
	locks := oplock.NewCircuitBreakerManager(oplock.NewRedisManager(redisClient), oplock.DefaultCircuitBreakerConfig())

	fleet := workerreg.NewRegistry(pool, "operator-"+uuid.NewString(), hostname(), cfg.AppEnv, workerreg.Config{
		HeartbeatInterval: cfg.WorkerRegistry.HeartbeatInterval,
		Expiry:            cfg.WorkerRegistry.Expiry,
	}, logger)

	batches := batch.NewRepository(pool)
	commands := command.NewRepository(pool, batches)
	q := queue.NewClient(pool, logger)

	svc := tsq.New(tsq.Config{LockTTLSeconds: int(cfg.OpLock.TTL.Seconds())}, pool, q, commands, batches, locks, nil, logger, nil)
	svc.SetFleetRegistry(fleet)

	switch action {
	case "list":
		runList(ctx, svc, *domain, commandType, *limit, *offset)
	case "retry":
		requireOperatorArgs(*commandID, *operator)
		id := parseCommandID(*commandID)
		if err := svc.OperatorRetry(ctx, *domain, id, *operator); err != nil {
			log.Fatalf("operator retry: %v", err)
		}
		fmt.Println("ok")
	case "cancel":
		requireOperatorArgs(*commandID, *operator)
		id := parseCommandID(*commandID)
		if err := svc.OperatorCancel(ctx, *domain, id, *reason, *operator); err != nil {
			log.Fatalf("operator cancel: %v", err)
		}
		fmt.Println("ok")
	case "complete":
		requireOperatorArgs(*commandID, *operator)
		id := parseCommandID(*commandID)
		if err := svc.OperatorComplete(ctx, *domain, id, json.RawMessage(*result), *operator); err != nil {
			log.Fatalf("operator complete: %v", err)
		}
		fmt.Println("ok")
	case "fleet":
		fleet.ForceRefresh(ctx)
		printJSON(svc.GetFleetStatus())
	default:
		log.Fatalf("operator: unknown action %q", action)
	}
}

func runList(ctx context.Context, svc *tsq.Service, domain string, commandType *string, limit, offset int) {
	var ctPtr *string
	if *commandType != "" {
		ctPtr = commandType
	}
	entries, err := svc.List(ctx, domain, ctPtr, limit, offset)
	if err != nil {
		log.Fatalf("operator list: %v", err)
	}
	printJSON(entries)
}

func requireOperatorArgs(commandID, operator string) {
	if commandID == "" || operator == "" {
		log.Fatal("operator: -command-id and -operator are required for this action")
	}
}

func parseCommandID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		log.Fatalf("operator: invalid -command-id %q: %v", raw, err)
	}
	return id
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("operator: encode output: %v", err)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
