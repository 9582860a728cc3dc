package command

import "fmt"

// Error is the sentinel shape surfaced by the command repository and bus,
// mirroring the teacher's QueueError{Code, Message, Err}.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewDuplicateCommand(domain string, commandID fmt.Stringer) *Error {
	return &Error{Code: "DUPLICATE_COMMAND", Message: fmt.Sprintf("command %s already exists in domain %s", commandID, domain)}
}

func NewCommandNotFound(domain string, commandID fmt.Stringer) *Error {
	return &Error{Code: "COMMAND_NOT_FOUND", Message: fmt.Sprintf("command %s not found in domain %s", commandID, domain)}
}

func NewInvalidOperation(reason string) *Error {
	return &Error{Code: "INVALID_OPERATION", Message: reason}
}

func NewBatchNotFound(domain string, batchID fmt.Stringer) *Error {
	return &Error{Code: "BATCH_NOT_FOUND", Message: fmt.Sprintf("batch %s not found in domain %s", batchID, domain)}
}

func NewHandlerNotFound(domain, commandType string) *Error {
	return &Error{Code: "HANDLER_NOT_FOUND", Message: fmt.Sprintf("no handler registered for %s/%s", domain, commandType)}
}

func NewHandlerAlreadyRegistered(domain, commandType string) *Error {
	return &Error{Code: "HANDLER_ALREADY_REGISTERED", Message: fmt.Sprintf("handler already registered for %s/%s", domain, commandType)}
}
