package process

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

// Insert creates a process row in PENDING with no current step; Start then
// runs the first executeStep in the same transaction, which overwrites
// status, step and state before commit.
func (r *Repository) Insert(ctx context.Context, db DB, m Metadata) error {
	_, err := r.db(db).Exec(ctx, `
		INSERT INTO process (domain, process_id, process_type, status, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, m.Domain, m.ProcessID, m.ProcessType, m.Status, m.State)
	return err
}

func (r *Repository) Get(ctx context.Context, domain string, processID uuid.UUID) (*Metadata, error) {
	var m Metadata
	err := r.pool.QueryRow(ctx, `
		SELECT domain, process_id, process_type, status, current_step, state, error_code, error_message, created_at, updated_at
		FROM process WHERE domain = $1 AND process_id = $2
	`, domain, processID).Scan(&m.Domain, &m.ProcessID, &m.ProcessType, &m.Status, &m.CurrentStep, &m.State, &m.ErrorCode, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// UpdateStep advances a process to a new status/step/state, used both when
// issuing a normal step and when entering COMPENSATING.
func (r *Repository) UpdateStep(ctx context.Context, db DB, domain string, processID uuid.UUID, status Status, currentStep *string, state json.RawMessage) error {
	_, err := r.db(db).Exec(ctx, `
		UPDATE process SET status = $3, current_step = $4, state = $5, updated_at = NOW()
		WHERE domain = $1 AND process_id = $2
	`, domain, processID, status, currentStep, state)
	return err
}

// SetState persists state without touching status or current_step. The
// engine does not call it; compensation progress is written through
// UpdateStep.
func (r *Repository) SetState(ctx context.Context, db DB, domain string, processID uuid.UUID, state json.RawMessage) error {
	_, err := r.db(db).Exec(ctx, `
		UPDATE process SET state = $3, updated_at = NOW() WHERE domain = $1 AND process_id = $2
	`, domain, processID, state)
	return err
}

// Finish transitions a process to a terminal status, recording the
// resulting state.
func (r *Repository) Finish(ctx context.Context, db DB, domain string, processID uuid.UUID, status Status, state json.RawMessage) error {
	_, err := r.db(db).Exec(ctx, `
		UPDATE process SET status = $3, state = $4, updated_at = NOW() WHERE domain = $1 AND process_id = $2
	`, domain, processID, status, state)
	return err
}

// SetError records an error and moves the process to WAITING_FOR_TSQ or
// FAILED without touching its state, used for the legacy-FAILED branch and
// for a compensation-step failure.
func (r *Repository) SetError(ctx context.Context, db DB, domain string, processID uuid.UUID, status Status, errCode, errMsg *string) error {
	_, err := r.db(db).Exec(ctx, `
		UPDATE process SET status = $3, error_code = $4, error_message = $5, updated_at = NOW()
		WHERE domain = $1 AND process_id = $2
	`, domain, processID, status, errCode, errMsg)
	return err
}
