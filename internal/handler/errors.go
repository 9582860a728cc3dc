// Package handler holds the typed error taxonomy a Handler raises to
// signal retry, permanent-failure, or business-rule outcomes, the registry
// mapping (domain, command_type) to a bound Handler, and the narrow context
// object passed into each invocation. Grounded on the teacher's QueueError
// {Code, Message, Err} shape, split into three concrete types per the
// evaluation-order table the worker switches on.
package handler

import "encoding/json"

// TransientCommandError signals a retryable failure; the worker re-hides
// the message with the backoff delay and keeps the command IN_PROGRESS
// until attempts are exhausted.
type TransientCommandError struct {
	Code    string
	Message string
	Details json.RawMessage
}

func (e *TransientCommandError) Error() string { return e.Code + ": " + e.Message }

// PermanentCommandError signals a failure the worker should never retry;
// the command moves straight to IN_TROUBLESHOOTING_QUEUE.
type PermanentCommandError struct {
	Code    string
	Message string
	Details json.RawMessage
}

func (e *PermanentCommandError) Error() string { return e.Code + ": " + e.Message }

// BusinessRuleException signals a domain-level rejection: the command ends
// FAILED, its queue message is deleted (never archived to the
// troubleshooting view), and a process manager consuming the reply treats
// it as a compensation trigger.
type BusinessRuleException struct {
	Code    string
	Message string
	Details json.RawMessage
}

func (e *BusinessRuleException) Error() string { return e.Code + ": " + e.Message }

// InternalErrorCode is the synthetic error code attached when a handler
// panics or returns an error of none of the three structured types; the
// worker treats it exactly like TransientCommandError.
const InternalErrorCode = "INTERNAL_ERROR"
