package oplock

import "context"

// Lock represents an acquired distributed lock.
type Lock interface {
	Refresh(ctx context.Context, ttlSeconds int) error
	Release(ctx context.Context) error
	// GetValue returns the fencing token this lock was acquired with, so a
	// caller holding a reference to an old lock can tell whether it still
	// owns the key (CheckLockOwnership) rather than trusting possession of
	// the Go value alone.
	GetValue() string
}

// Manager can acquire locks identified by a key.
type Manager interface {
	Acquire(ctx context.Context, key string, ttlSeconds int) (Lock, bool, error)
}
