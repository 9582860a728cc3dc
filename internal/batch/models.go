// Package batch persists batch metadata and the counter-arithmetic
// transition procedures (sp_tsq_retry/cancel/complete and the finish-time
// counter update) that keep a batch's aggregate status consistent with its
// member commands. No teacher analogue exists for batching; the counter
// state machine is built directly from spec.md's data model, expressed in
// the teacher's transactional SQL style (explicit pgx.Tx, read-then-update).
package batch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending               Status = "PENDING"
	StatusInProgress            Status = "IN_PROGRESS"
	StatusCompleted             Status = "COMPLETED"
	StatusCompletedWithFailures Status = "COMPLETED_WITH_FAILURES"
)

// Metadata is the persistent state of one batch, keyed by (domain, batch_id).
type Metadata struct {
	Domain                 string
	BatchID                uuid.UUID
	Name                   *string
	CustomData             json.RawMessage
	Status                 Status
	TotalCount             int
	CompletedCount         int
	CanceledCount          int
	InTroubleshootingCount int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsComplete reports whether every member command has left flight and TSQ.
func (m Metadata) IsComplete() bool {
	return m.CompletedCount+m.CanceledCount == m.TotalCount
}

// ResolvedStatus computes the status a complete batch should carry.
func (m Metadata) ResolvedStatus() Status {
	if !m.IsComplete() {
		if m.CompletedCount+m.CanceledCount+m.InTroubleshootingCount > 0 {
			return StatusInProgress
		}
		return StatusPending
	}
	if m.CanceledCount == 0 {
		return StatusCompleted
	}
	return StatusCompletedWithFailures
}

// OnCompleteFunc is an in-memory, best-effort callback registered at
// create_batch time. It is never persisted: it is lost on process restart,
// per spec.md §9's explicit documentation of that tradeoff.
type OnCompleteFunc func(domain string, batchID uuid.UUID, status Status)
