package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 10*time.Second, p.Backoff(1))
	assert.Equal(t, 60*time.Second, p.Backoff(2))
	assert.Equal(t, 300*time.Second, p.Backoff(3))
	// Attempts beyond the schedule clamp to the last entry.
	assert.Equal(t, 300*time.Second, p.Backoff(4))
	assert.Equal(t, 300*time.Second, p.Backoff(100))
}

func TestRetryPolicy_BackoffEmptySchedule(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.Equal(t, time.Duration(0), p.Backoff(1))
}

func TestRetryPolicy_BackoffClampsNonPositiveAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 10*time.Second, p.Backoff(0))
	assert.Equal(t, 10*time.Second, p.Backoff(-5))
}
