package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is a worker's aggregate health, computed from rolling counters per
// spec.md §4.7.8.
type State int32

const (
	StateHealthy State = iota
	StateDegraded
	StateCritical
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Thresholds control when Health promotes its state, grounded on the same
// threshold/atomic-counter shape as oplock.CircuitBreakerConfig.
type Thresholds struct {
	DegradedConsecutiveFailures  int32
	CriticalConsecutiveFailures  int32
	DegradedStuckCount           int32
	CriticalStuckCount           int32
	WatchdogInterval             time.Duration
}

// DefaultHealthThresholds mirrors the conservative defaults the oplock
// circuit breaker uses for its own failure thresholds.
func DefaultHealthThresholds() Thresholds {
	return Thresholds{
		DegradedConsecutiveFailures: 3,
		CriticalConsecutiveFailures: 10,
		DegradedStuckCount:          1,
		CriticalStuckCount:          3,
		WatchdogInterval:            10 * time.Second,
	}
}

// Health tracks pool timeouts, stuck in-flight messages (no progress for
// longer than the worker's visibility timeout), and consecutive handler
// failures, and computes a HEALTHY/DEGRADED/CRITICAL state a watchdog or
// an operator dashboard can act on. A CRITICAL state does not itself
// restart anything; it is a signal a supervising process can watch.
type Health struct {
	thresholds        Thresholds
	visibilityTimeout time.Duration

	consecutiveFailures atomic.Int32
	poolTimeouts        atomic.Int64

	mu       sync.Mutex
	inFlight map[int64]time.Time

	onStateChange func(old, new State)
}

// NewHealth constructs a Health tracker bound to the worker's configured
// visibility timeout, used as the "no progress for > V" stuck threshold.
func NewHealth(thresholds Thresholds, visibilityTimeout time.Duration) *Health {
	return &Health{
		thresholds:        thresholds,
		visibilityTimeout: visibilityTimeout,
		inFlight:          make(map[int64]time.Time),
	}
}

// OnStateChange registers a callback invoked whenever the watchdog detects
// a state transition.
func (h *Health) OnStateChange(fn func(old, new State)) {
	h.onStateChange = fn
}

// TrackStart records that msgID began processing, for stuck-detection.
func (h *Health) TrackStart(msgID int64) {
	h.mu.Lock()
	h.inFlight[msgID] = time.Now()
	h.mu.Unlock()
}

// TrackEnd clears msgID's tracked start time once its handler returns.
func (h *Health) TrackEnd(msgID int64) {
	h.mu.Lock()
	delete(h.inFlight, msgID)
	h.mu.Unlock()
}

// RecordSuccess resets the consecutive-failure counter.
func (h *Health) RecordSuccess() {
	h.consecutiveFailures.Store(0)
}

// RecordFailure increments the consecutive-failure counter; RecordSuccess
// resets it, so only unbroken runs of failure push toward CRITICAL.
func (h *Health) RecordFailure() {
	h.consecutiveFailures.Add(1)
}

// RecordPoolTimeout is called by callers that observe a pool-acquire
// timeout, tracked for operator visibility even though it does not feed
// directly into the HEALTHY/DEGRADED/CRITICAL computation.
func (h *Health) RecordPoolTimeout() {
	h.poolTimeouts.Add(1)
}

// stuckCount reports how many in-flight messages have shown no progress
// for longer than the visibility timeout.
func (h *Health) stuckCount() int32 {
	if h.visibilityTimeout <= 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var stuck int32
	cutoff := time.Now().Add(-h.visibilityTimeout)
	for _, started := range h.inFlight {
		if started.Before(cutoff) {
			stuck++
		}
	}
	return stuck
}

// State computes the current aggregate health from the tracked counters. A
// threshold left at zero disables that check.
func (h *Health) State() State {
	failures := h.consecutiveFailures.Load()
	stuck := h.stuckCount()
	t := h.thresholds

	if (t.CriticalConsecutiveFailures > 0 && failures >= t.CriticalConsecutiveFailures) || (t.CriticalStuckCount > 0 && stuck >= t.CriticalStuckCount) {
		return StateCritical
	}
	if (t.DegradedConsecutiveFailures > 0 && failures >= t.DegradedConsecutiveFailures) || (t.DegradedStuckCount > 0 && stuck >= t.DegradedStuckCount) {
		return StateDegraded
	}
	return StateHealthy
}

// StartWatchdog polls State on an interval and invokes OnStateChange when
// it changes, until ctx is canceled.
func (h *Health) StartWatchdog(ctx context.Context, log *slog.Logger) {
	interval := h.thresholds.WatchdogInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := StateHealthy
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := h.State()
				if current != last {
					log.Warn("worker health transition", slog.String("from", last.String()), slog.String("to", current.String()))
					if h.onStateChange != nil {
						h.onStateChange(last, current)
					}
					last = current
				}
			}
		}
	}()
}
