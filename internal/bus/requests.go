// Package bus is the public command-bus surface: send, send_batch,
// create_batch, and the query methods composing the queue client, command
// repository, batch repository, and audit logger. Grounded on the
// teacher's Coordinator.Enqueue/EnqueueMessage/ListQueueJobs
// (enqueue-then-ensure-delivery, and unmarshal-for-listing idioms).
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SendRequest is one command to enqueue. Validated with
// go-playground/validator/v10 before any database round trip, mirroring
// the teacher's request-DTO validation layer.
type SendRequest struct {
	Domain        string          `validate:"required"`
	CommandType   string          `validate:"required"`
	CommandID     uuid.UUID       `validate:"required"`
	Data          json.RawMessage `validate:"required"`
	CorrelationID *uuid.UUID
	ReplyTo       *string
	MaxAttempts   int  `validate:"omitempty,min=1"`
	BatchID       *uuid.UUID
	Delay         time.Duration
}

// CreateBatchRequest groups a closed set of commands under one batch.
type CreateBatchRequest struct {
	Domain     string          `validate:"required"`
	BatchID    *uuid.UUID
	Name       *string
	CustomData json.RawMessage
	Commands   []SendRequest `validate:"required,min=1,dive"`
	OnComplete OnCompleteFunc
}

// OnCompleteFunc is invoked, best-effort and in-process only, when a
// batch's counters reach completion.
type OnCompleteFunc func(domain string, batchID uuid.UUID, status string)

// QueryCommandsRequest filters command metadata for operator/reporting
// use.
type QueryCommandsRequest struct {
	Domain        string
	CommandType   *string
	Status        *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// SendResult is returned per command from send/send_batch.
type SendResult struct {
	CommandID uuid.UUID
	MsgID     int64
	Err       error
}
