// Package audit provides read access to the append-only command audit
// trail and persists the process step ledger (process_audit) consumed by
// the process manager and reply router. Command-level audit inserts live
// next to the transaction that produces them, in internal/command, so they
// can never be skipped by a caller forgetting a second round trip; this
// package owns the process-audit insert path (C4/C9 boundary) and every
// read-side query, grounded on the insert-within-tx pattern in the
// teacher's Repository.MoveToDLQ.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool and pgx.Tx these operations need.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Event is one row of a command's audit trail.
type Event struct {
	ID          int64
	Domain      string
	CommandID   uuid.UUID
	EventType   string
	Timestamp   time.Time
	DetailsJSON json.RawMessage
}

// ProcessStep is one row of a process's step ledger.
type ProcessStep struct {
	ID          int64
	Domain      string
	ProcessID   uuid.UUID
	StepName    string
	CommandID   uuid.UUID
	CommandType string
	CommandData json.RawMessage
	SentAt      time.Time
	ReplyOutcome *string
	ReplyData    json.RawMessage
	ReceivedAt   *time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(db DB) DB {
	if db != nil {
		return db
	}
	return r.pool
}

// GetCommandTrail returns every audit event for a command, oldest first.
func (r *Repository) GetCommandTrail(ctx context.Context, domain string, commandID uuid.UUID) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, domain, command_id, event_type, ts, details_json
		FROM audit WHERE domain = $1 AND command_id = $2 ORDER BY ts
	`, domain, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Domain, &e.CommandID, &e.EventType, &e.Timestamp, &e.DetailsJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordStep appends a process_audit row immediately after a step command
// is sent, with ReplyOutcome/ReplyData/ReceivedAt left nil until the reply
// arrives.
func (r *Repository) RecordStep(ctx context.Context, db DB, domain string, processID uuid.UUID, stepName string, commandID uuid.UUID, commandType string, commandData json.RawMessage) error {
	_, err := r.db(db).Exec(ctx, `
		INSERT INTO process_audit (domain, process_id, step_name, command_id, command_type, command_data, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, domain, processID, stepName, commandID, commandType, commandData)
	return err
}

// RecordReply stamps the step ledger row for commandID with the reply
// outcome once it arrives, mirrored from the teacher's
// Repository.MarkCompleted column-stamping idiom.
func (r *Repository) RecordReply(ctx context.Context, db DB, commandID uuid.UUID, outcome string, replyData json.RawMessage) error {
	_, err := r.db(db).Exec(ctx, `
		UPDATE process_audit SET reply_outcome = $2, reply_data = $3, received_at = NOW()
		WHERE command_id = $1
	`, commandID, outcome, replyData)
	return err
}

// GetProcessTrail returns a process's step ledger, ordered by send time, for
// use by both the compensation-ordering logic and operator-facing queries.
func (r *Repository) GetProcessTrail(ctx context.Context, domain string, processID uuid.UUID) ([]ProcessStep, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, domain, process_id, step_name, command_id, command_type, command_data, sent_at, reply_outcome, reply_data, received_at
		FROM process_audit WHERE domain = $1 AND process_id = $2 ORDER BY sent_at
	`, domain, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProcessStep
	for rows.Next() {
		var s ProcessStep
		if err := rows.Scan(&s.ID, &s.Domain, &s.ProcessID, &s.StepName, &s.CommandID, &s.CommandType, &s.CommandData, &s.SentAt, &s.ReplyOutcome, &s.ReplyData, &s.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
