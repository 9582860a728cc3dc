package batch

import (
	"context"
	"encoding/json"

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

// Insert creates a closed batch row. Batches receive no commands after
// creation, so total_count is fixed at insert time.
func (r *Repository) Insert(ctx context.Context, db DB, m Metadata) error {
	_, err := r.db(db).Exec(ctx, `
		INSERT INTO batch (domain, batch_id, name, custom_data, status, total_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, m.Domain, m.BatchID, m.Name, nullableJSON(m.CustomData), StatusPending, m.TotalCount)
	return err
}

func (r *Repository) Get(ctx context.Context, domain string, batchID uuid.UUID) (*Metadata, error) {
	var m Metadata
	err := r.pool.QueryRow(ctx, `
		SELECT domain, batch_id, name, custom_data, status, total_count, completed_count, canceled_count, in_troubleshooting_count, created_at, updated_at
		FROM batch WHERE domain = $1 AND batch_id = $2
	`, domain, batchID).Scan(&m.Domain, &m.BatchID, &m.Name, &m.CustomData, &m.Status, &m.TotalCount, &m.CompletedCount, &m.CanceledCount, &m.InTroubleshootingCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *Repository) List(ctx context.Context, domain string, limit, offset int) ([]Metadata, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT domain, batch_id, name, custom_data, status, total_count, completed_count, canceled_count, in_troubleshooting_count, created_at, updated_at
		FROM batch WHERE domain = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, domain, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.Domain, &m.BatchID, &m.Name, &m.CustomData, &m.Status, &m.TotalCount, &m.CompletedCount, &m.CanceledCount, &m.InTroubleshootingCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FinishTransition applies the batch counter discipline for a command
// leaving previousStatus and arriving at newStatus, recomputes the batch's
// aggregate status, and reports whether the batch is now complete. A
// command ending FAILED (reachable only via BusinessRuleException, which
// bypasses TSQ) is counted toward canceled_count: it is a resolved,
// non-success outcome, the same bucket CANCELED occupies, so batches with a
// business-rule failure can still reach a terminal aggregate status. This
// is a documented open-question resolution (DESIGN.md), since spec.md's
// batch counter table does not name FAILED explicitly.
func (r *Repository) FinishTransition(ctx context.Context, db DB, domain string, batchID *uuid.UUID, previousStatus, newStatus string) (bool, error) {
	if batchID == nil {
		return false, nil
	}

	var completedDelta, canceledDelta, tsqDelta int
	switch newStatus {
	case "COMPLETED":
		completedDelta = 1
	case "CANCELED", "FAILED":
		canceledDelta = 1
	case "IN_TROUBLESHOOTING_QUEUE":
		tsqDelta = 1
	}
	if previousStatus == "IN_TROUBLESHOOTING_QUEUE" && newStatus != "IN_TROUBLESHOOTING_QUEUE" {
		tsqDelta--
	}

	return r.applyDelta(ctx, db, domain, *batchID, completedDelta, canceledDelta, tsqDelta)
}

// TSQRetry decrements in_troubleshooting_count when an operator returns a
// command to PENDING; no completion bucket changes, so the batch can never
// be "complete" as a direct result of a retry.
func (r *Repository) TSQRetry(ctx context.Context, db DB, domain string, batchID *uuid.UUID) (bool, error) {
	if batchID == nil {
		return false, nil
	}
	return r.applyDelta(ctx, db, domain, *batchID, 0, 0, -1)
}

// TSQCancel and TSQComplete are the operator-facing names for the same
// counter transition FinishTransition performs for TSQ -> CANCELED/COMPLETED.
func (r *Repository) TSQCancel(ctx context.Context, db DB, domain string, batchID *uuid.UUID) (bool, error) {
	return r.FinishTransition(ctx, db, domain, batchID, "IN_TROUBLESHOOTING_QUEUE", "CANCELED")
}

func (r *Repository) TSQComplete(ctx context.Context, db DB, domain string, batchID *uuid.UUID) (bool, error) {
	return r.FinishTransition(ctx, db, domain, batchID, "IN_TROUBLESHOOTING_QUEUE", "COMPLETED")
}

func (r *Repository) applyDelta(ctx context.Context, db DB, domain string, batchID uuid.UUID, completedDelta, canceledDelta, tsqDelta int) (bool, error) {
	var m Metadata
	err := r.db(db).QueryRow(ctx, `
		UPDATE batch
		SET completed_count = completed_count + $3,
		    canceled_count = canceled_count + $4,
		    in_troubleshooting_count = in_troubleshooting_count + $5,
		    updated_at = NOW()
		WHERE domain = $1 AND batch_id = $2
		RETURNING total_count, completed_count, canceled_count, in_troubleshooting_count
	`, domain, batchID, completedDelta, canceledDelta, tsqDelta).Scan(&m.TotalCount, &m.CompletedCount, &m.CanceledCount, &m.InTroubleshootingCount)
	if err != nil {
		return false, err
	}

	newStatus := m.ResolvedStatus()
	if _, err := r.db(db).Exec(ctx, `UPDATE batch SET status = $3 WHERE domain = $1 AND batch_id = $2`, domain, batchID, newStatus); err != nil {
		return false, err
	}

	return m.IsComplete(), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
