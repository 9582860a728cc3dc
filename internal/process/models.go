// Package process implements the saga-style Process Manager (C9) and the
// Process Reply Router (C10): a generic step-sequencing engine parametrised
// by each concrete process's state type, a type-erased ReplyHandler facade so
// the router can dispatch across process types it knows nothing about, and
// the reply-consuming loop itself. No teacher analogue exists for workflow
// orchestration; the transactional shape of each step follows
// internal/bus's send-within-a-transaction idiom, and the router's
// main-loop shape is internal/worker's, adapted from a commands queue to a
// process-reply queue.
package process

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fulcrumbus/commandbus/internal/command"
)

// Status is a process's lifecycle state, distinct from command.Status and
// batch.Status.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusWaitingForReply Status = "WAITING_FOR_REPLY"
	StatusWaitingForTSQ   Status = "WAITING_FOR_TSQ"
	StatusCompensating    Status = "COMPENSATING"
	StatusCompleted       Status = "COMPLETED"
	StatusCompensated     Status = "COMPENSATED"
	StatusCanceled        Status = "CANCELED"
	StatusFailed          Status = "FAILED"
)

// IsTerminal reports whether a process in this status will never advance
// again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

// Metadata is the persistent state of one process, keyed by
// (domain, process_id). State is opaque to this package: it is the
// engine's marshaled envelope, unmarshaled only by the Engine[S] that owns
// this process's process_type.
type Metadata struct {
	Domain       string
	ProcessID    uuid.UUID
	ProcessType  string
	Status       Status
	CurrentStep  *string
	State        json.RawMessage
	ErrorCode    *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Step is a finite-enumeration step name. Concrete managers typically
// declare their own named string constants of this type.
type Step string

// Reply is the wire payload the router consumes from a domain's
// process-reply queue; it is the same shape a command's reply_to message
// carries, per spec.md §4.7.6.
type Reply = command.Reply
