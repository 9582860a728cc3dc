package auditbridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SubjectAll is the wildcard every domain's audit subject falls under:
// events are published to "<domain>.audit".
const SubjectAll = "*.audit"

// StreamConfig returns the JetStream config for the audit mirror stream.
// Retention is LimitsPolicy, not WorkQueuePolicy: this is a best-effort
// downstream fan-out for external consumers, never read back by the core
// (the audit table in Postgres remains the source of truth), so there is
// no single consumer that must drain it before messages expire.
func StreamConfig(name string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{SubjectAll},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     168 * time.Hour,
		MaxBytes:   5 * 1024 * 1024 * 1024,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
		MaxMsgSize: 1024 * 1024,
	}
}

// EnsureStream creates or updates the audit mirror stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg Config, log *slog.Logger) error {
	stream, err := js.CreateOrUpdateStream(ctx, StreamConfig(cfg.Stream))
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		if log != nil {
			log.Warn("failed to get stream info after create", slog.String("stream", cfg.Stream), slog.String("error", err.Error()))
		}
		return nil
	}
	if log != nil {
		log.Info("audit stream ensured",
			slog.String("stream", cfg.Stream),
			slog.Uint64("messages", info.State.Msgs),
			slog.Uint64("bytes", info.State.Bytes),
		)
	}
	return nil
}
