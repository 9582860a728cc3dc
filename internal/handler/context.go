package handler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Command is the immutable view of a message a handler receives; it is
// built from the queue payload and never mutated by the handler.
type Command struct {
	Domain        string
	CommandType   string
	CommandID     uuid.UUID
	CorrelationID uuid.UUID
	Data          json.RawMessage
	ReplyTo       *string
}

// Context is the narrow view of command metadata and lifecycle hooks a
// handler may touch, grounded on Worker.processNext's direct repo/msg
// access in the teacher, pulled behind an interface so a handler can't
// reach the full repository or queue client.
type Context struct {
	Command     Command
	Attempt     int
	MaxAttempts int
	MsgID       int64

	extendVisibility func(d time.Duration) error
}

// NewContext constructs a Context, injecting the closure the worker uses
// to push back a message's visibility deadline.
func NewContext(cmd Command, attempt, maxAttempts int, msgID int64, extend func(d time.Duration) error) *Context {
	return &Context{Command: cmd, Attempt: attempt, MaxAttempts: maxAttempts, MsgID: msgID, extendVisibility: extend}
}

// ExtendVisibility is the only cooperative long-run mechanism available to
// a handler still working past its original lease.
func (c *Context) ExtendVisibility(d time.Duration) error {
	if c.extendVisibility == nil {
		return nil
	}
	return c.extendVisibility(d)
}

// Handler is the signature every registered procedure must satisfy. It
// returns a JSON-serialisable result or one of the three structured errors
// in errors.go; any other error is treated as transient with
// InternalErrorCode.
type Handler func(ctx *Context) (json.RawMessage, error)
