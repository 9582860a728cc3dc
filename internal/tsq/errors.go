package tsq

import "errors"

// ErrLocked is returned when the operator-action lock for a command could
// not be acquired, meaning another operator action on the same command is
// already in flight.
var ErrLocked = errors.New("tsq: could not acquire operator lock")
