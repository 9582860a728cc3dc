package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulcrumbus/commandbus/internal/batch"
)

// DB is the subset of pgxpool.Pool and pgx.Tx these operations need.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool    *pgxpool.Pool
	batches *batch.Repository
}

func NewRepository(pool *pgxpool.Pool, batches *batch.Repository) *Repository {
	return &Repository{pool: pool, batches: batches}
}

func (r *Repository) db(db DB) DB {
	if db != nil {
		return db
	}
	return r.pool
}

// Insert creates a new command row in PENDING, failing with DuplicateCommand
// if (domain, command_id) already exists.
func (r *Repository) Insert(ctx context.Context, db DB, m Metadata) error {
	_, err := r.db(db).Exec(ctx, `
		INSERT INTO command (domain, command_id, command_type, status, attempts, max_attempts, correlation_id, reply_to, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, NOW(), NOW())
	`, m.Domain, m.CommandID, m.CommandType, StatusPending, m.MaxAttempts, m.CorrelationID, m.ReplyTo, m.BatchID)
	if err != nil {
		if isUniqueViolation(err) {
			return NewDuplicateCommand(m.Domain, m.CommandID)
		}
		return err
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, domain string, commandID uuid.UUID) (*Metadata, error) {
	var m Metadata
	err := r.pool.QueryRow(ctx, `
		SELECT domain, command_id, command_type, status, attempts, max_attempts, msg_id, correlation_id, reply_to, last_error_type, last_error_code, last_error_message, batch_id, created_at, updated_at
		FROM command WHERE domain = $1 AND command_id = $2
	`, domain, commandID).Scan(&m.Domain, &m.CommandID, &m.CommandType, &m.Status, &m.Attempts, &m.MaxAttempts, &m.MsgID, &m.CorrelationID, &m.ReplyTo, &m.LastErrorType, &m.LastErrorCode, &m.LastErrorMessage, &m.BatchID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *Repository) ListByBatch(ctx context.Context, domain string, batchID uuid.UUID) ([]Metadata, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT domain, command_id, command_type, status, attempts, max_attempts, msg_id, correlation_id, reply_to, last_error_type, last_error_code, last_error_message, batch_id, created_at, updated_at
		FROM command WHERE domain = $1 AND batch_id = $2 ORDER BY created_at
	`, domain, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.Domain, &m.CommandID, &m.CommandType, &m.Status, &m.Attempts, &m.MaxAttempts, &m.MsgID, &m.CorrelationID, &m.ReplyTo, &m.LastErrorType, &m.LastErrorCode, &m.LastErrorMessage, &m.BatchID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Query filters command metadata for operator/reporting use per
// spec.md §4.6 query_commands: domain is mandatory, every other filter is
// optional and applied only when set.
func (r *Repository) Query(ctx context.Context, domain string, commandType, status *string, createdAfter, createdBefore *time.Time, limit, offset int) ([]Metadata, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := `
		SELECT domain, command_id, command_type, status, attempts, max_attempts, msg_id, correlation_id, reply_to, last_error_type, last_error_code, last_error_message, batch_id, created_at, updated_at
		FROM command WHERE domain = $1`
	args := []any{domain}
	if commandType != nil {
		args = append(args, *commandType)
		sql += fmt.Sprintf(" AND command_type = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if createdAfter != nil {
		args = append(args, *createdAfter)
		sql += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	if createdBefore != nil {
		args = append(args, *createdBefore)
		sql += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	sql += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.Domain, &m.CommandID, &m.CommandType, &m.Status, &m.Attempts, &m.MaxAttempts, &m.MsgID, &m.CorrelationID, &m.ReplyTo, &m.LastErrorType, &m.LastErrorCode, &m.LastErrorMessage, &m.BatchID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Receive is sp_receive_command: load the row with a row-level lock,
// reject re-receipt of a terminal command, increment attempts, move to
// IN_PROGRESS, and record the receive. It runs in its own short transaction,
// separate from handler execution, per spec.md §4.7.3 Phase 1.
func (r *Repository) Receive(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) (*Metadata, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var m Metadata
	err = tx.QueryRow(ctx, `
		SELECT domain, command_id, command_type, status, attempts, max_attempts, msg_id, correlation_id, reply_to, last_error_type, last_error_code, last_error_message, batch_id, created_at, updated_at
		FROM command WHERE domain = $1 AND command_id = $2
		FOR UPDATE
	`, domain, commandID).Scan(&m.Domain, &m.CommandID, &m.CommandType, &m.Status, &m.Attempts, &m.MaxAttempts, &m.MsgID, &m.CorrelationID, &m.ReplyTo, &m.LastErrorType, &m.LastErrorCode, &m.LastErrorMessage, &m.BatchID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if !m.Status.Receivable() {
		return nil, nil
	}

	m.Attempts++
	m.Status = StatusInProgress
	m.MsgID = &msgID

	if _, err := tx.Exec(ctx, `
		UPDATE command SET attempts = $3, status = $4, msg_id = $5, updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, m.Attempts, m.Status, m.MsgID); err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, domain, commandID, EventReceived, mustJSON(map[string]any{"attempt": m.Attempts})); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &m, nil
}

// Finish is sp_finish_command: update the command's terminal or error
// fields, append the given audit event, and adjust the owning batch's
// counters if one is set. It runs inside the caller's transaction (the same
// one covering handler side effects and the queue delete/archive), so a
// crash between handler success and commit leaves the command unchanged and
// therefore safely re-deliverable. Returns whether the owning batch, if
// any, is now complete.
func (r *Repository) Finish(ctx context.Context, tx DB, domain string, commandID uuid.UUID, previousStatus, newStatus Status, eventType EventType, errType, errCode, errMsg *string, details json.RawMessage, batchID *uuid.UUID) (bool, error) {
	_, err := tx.Exec(ctx, `
		UPDATE command
		SET status = $3, last_error_type = $4, last_error_code = $5, last_error_message = $6, updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, newStatus, errType, errCode, errMsg)
	if err != nil {
		return false, err
	}

	if err := insertAudit(ctx, tx, domain, commandID, eventType, details); err != nil {
		return false, err
	}

	if batchID == nil {
		return false, nil
	}
	return r.batches.FinishTransition(ctx, tx, domain, batchID, string(previousStatus), string(newStatus))
}

// Fail is sp_fail_command: record the error and keep the command
// IN_PROGRESS, leaving the queue message for the worker to re-hide with the
// computed backoff delay via set_visibility. Fail also appends the
// RETRY_SCHEDULED audit event itself, on the caller's tx, so the update and
// the audit row land in the same handler-execution transaction.
func (r *Repository) Fail(ctx context.Context, tx DB, domain string, commandID uuid.UUID, errType, errCode, errMsg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE command
		SET last_error_type = $3, last_error_code = $4, last_error_message = $5, updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, errType, errCode, errMsg)
	if err != nil {
		return err
	}
	return insertAudit(ctx, tx, domain, commandID, EventRetryScheduled, mustJSON(map[string]any{"error_code": errCode, "error_message": errMsg}))
}

// RecordEvent appends an audit row for a command without touching its
// status, used by the troubleshooting queue's operator operations, which
// apply their own status transition directly via a conditional UPDATE.
func (r *Repository) RecordEvent(ctx context.Context, tx DB, domain string, commandID uuid.UUID, eventType EventType, details json.RawMessage) error {
	return insertAudit(ctx, tx, domain, commandID, eventType, details)
}

func insertAudit(ctx context.Context, tx DB, domain string, commandID uuid.UUID, eventType EventType, details json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit (domain, command_id, event_type, ts, details_json)
		VALUES ($1, $2, $3, NOW(), $4)
	`, domain, commandID, eventType, details)
	return err
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
