// Package command persists command metadata and exposes the two atomic
// stored-procedure-style operations (sp_receive_command, sp_finish_command)
// that are the transactional hinges of the system, plus sp_fail_command for
// retry scheduling. Grounded on the teacher's Repository.Dequeue (the
// UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP LOCKED) RETURNING idiom)
// and MarkFailed/MoveToDLQ (the read-then-branch-then-update transaction
// idiom).
package command

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending              Status = "PENDING"
	StatusInProgress           Status = "IN_PROGRESS"
	StatusCompleted            Status = "COMPLETED"
	StatusCanceled             Status = "CANCELED"
	StatusInTroubleshooting    Status = "IN_TROUBLESHOOTING_QUEUE"
	StatusFailed               Status = "FAILED"
)

// IsTerminal reports whether a command in this status is never re-received.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

// Receivable reports whether sp_receive_command may act on a row in this
// status (PENDING for a first attempt, IN_PROGRESS for redelivery after a
// crashed lease).
func (s Status) Receivable() bool {
	return s == StatusPending || s == StatusInProgress
}

// Metadata is the mutable persistent state of one command, keyed by
// (domain, command_id).
type Metadata struct {
	Domain           string
	CommandID        uuid.UUID
	CommandType      string
	Status           Status
	Attempts         int
	MaxAttempts      int
	MsgID            *int64
	CorrelationID    uuid.UUID
	ReplyTo          *string
	LastErrorType    *string
	LastErrorCode    *string
	LastErrorMessage *string
	BatchID          *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EventType enumerates audit event types recorded against a command.
type EventType string

const (
	EventSent            EventType = "SENT"
	EventReceived        EventType = "RECEIVED"
	EventCompleted       EventType = "COMPLETED"
	EventFailed          EventType = "FAILED"
	EventBusinessRule    EventType = "BUSINESS_RULE_FAILED"
	EventRetryScheduled  EventType = "RETRY_SCHEDULED"
	EventMovedToTSQ      EventType = "MOVED_TO_TSQ"
	EventOperatorRetry   EventType = "OPERATOR_RETRY"
	EventOperatorCancel  EventType = "OPERATOR_CANCEL"
	EventOperatorComplete EventType = "OPERATOR_COMPLETE"
	EventBatchStarted    EventType = "BATCH_STARTED"
	EventBatchCompleted  EventType = "BATCH_COMPLETED"
)

// Outcome is the three-way result carried on a reply message.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeCanceled Outcome = "CANCELED"
)

// Envelope is the immutable wire payload enqueued to a domain's commands
// queue.
type Envelope struct {
	Domain        string          `json:"domain"`
	CommandType   string          `json:"command_type"`
	CommandID     uuid.UUID       `json:"command_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
	ReplyTo       *string         `json:"reply_to,omitempty"`
}

// Reply is the wire payload sent to a command's reply_to queue.
//
// ErrorType is an engine-internal elaboration beyond spec.md §6's wire
// shape: it carries the same classification already stored in the
// command's last_error_type column (one of the ErrorType* constants below)
// so a process reply router can distinguish a terminal BusinessRuleException
// FAILED reply (compensate, end CANCELED) from a quasi-terminal
// move-to-troubleshooting-queue FAILED reply (wait for operator action)
// without a second round trip to the command repository. It is empty for
// SUCCESS/CANCELED outcomes.
type Reply struct {
	CommandID     uuid.UUID       `json:"command_id"`
	CorrelationID *uuid.UUID      `json:"correlation_id"`
	Outcome       Outcome         `json:"outcome"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorType     string          `json:"error_type,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Error-type classifications a FAILED reply's ErrorType carries, mirroring
// the strings the worker stores in last_error_type.
const (
	ErrorTypeTransient    = "TransientCommandError"
	ErrorTypePermanent    = "PermanentCommandError"
	ErrorTypeBusinessRule = "BusinessRuleException"
)
