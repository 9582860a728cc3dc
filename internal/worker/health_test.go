package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealth_StartsHealthy(t *testing.T) {
	h := NewHealth(DefaultHealthThresholds(), time.Second)
	assert.Equal(t, StateHealthy, h.State())
}

func TestHealth_ConsecutiveFailuresPromoteToDegradedThenCritical(t *testing.T) {
	thresholds := Thresholds{
		DegradedConsecutiveFailures: 2,
		CriticalConsecutiveFailures: 4,
	}
	h := NewHealth(thresholds, time.Second)

	h.RecordFailure()
	assert.Equal(t, StateHealthy, h.State())

	h.RecordFailure()
	assert.Equal(t, StateDegraded, h.State())

	h.RecordFailure()
	h.RecordFailure()
	assert.Equal(t, StateCritical, h.State())
}

func TestHealth_SuccessResetsConsecutiveFailures(t *testing.T) {
	thresholds := Thresholds{DegradedConsecutiveFailures: 2, CriticalConsecutiveFailures: 4}
	h := NewHealth(thresholds, time.Second)

	h.RecordFailure()
	h.RecordFailure()
	assert.Equal(t, StateDegraded, h.State())

	h.RecordSuccess()
	assert.Equal(t, StateHealthy, h.State())
}

func TestHealth_StuckMessagePromotesState(t *testing.T) {
	thresholds := Thresholds{
		DegradedConsecutiveFailures: 100,
		CriticalConsecutiveFailures: 100,
		DegradedStuckCount:          1,
		CriticalStuckCount:          2,
	}
	h := NewHealth(thresholds, 10*time.Millisecond)

	h.TrackStart(1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDegraded, h.State())

	h.TrackEnd(1)
	assert.Equal(t, StateHealthy, h.State())
}
