package auditbridge

import "errors"

// Sentinel errors for audit-bridge operations.
var (
	ErrNotConnected  = errors.New("auditbridge: not connected")
	ErrPublishFailed = errors.New("auditbridge: publish failed")
	ErrDrainTimeout  = errors.New("auditbridge: drain timeout")
	ErrInvalidConfig = errors.New("auditbridge: invalid configuration")
)
