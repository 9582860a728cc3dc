package worker

import "time"

// RetryPolicy is the {max_attempts, backoff_schedule} pair the worker
// applies on a transient failure. Grounded on the teacher's
// queue.Config.CalculateBackoff (exponential-with-cap), adapted to a fixed
// schedule with last-value clamping: the spec is explicit about the
// schedule shape, unlike the teacher's Initial*Multiplier^attempt formula.
type RetryPolicy struct {
	MaxAttempts int
	Schedule    []time.Duration
}

// DefaultRetryPolicy matches spec.md's default schedule and max_attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Schedule:    []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second},
	}
}

// Backoff returns the delay for the given 1-based attempt number, clamping
// to the schedule's last entry for attempts beyond its length.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	return p.Schedule[idx]
}
