package bus

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCompletionRegistry_FireInvokesRegisteredCallback(t *testing.T) {
	r := newCompletionRegistry()
	batchID := uuid.New()

	var gotDomain, gotStatus string
	var gotBatchID uuid.UUID
	r.register(batchID, func(domain string, id uuid.UUID, status string) {
		gotDomain, gotBatchID, gotStatus = domain, id, status
	})

	r.fire("orders", batchID, "COMPLETED_WITH_FAILURES")

	assert.Equal(t, "orders", gotDomain)
	assert.Equal(t, batchID, gotBatchID)
	assert.Equal(t, "COMPLETED_WITH_FAILURES", gotStatus)
}

func TestCompletionRegistry_FireIsOneShot(t *testing.T) {
	r := newCompletionRegistry()
	batchID := uuid.New()

	calls := 0
	r.register(batchID, func(domain string, id uuid.UUID, status string) { calls++ })

	r.fire("orders", batchID, "COMPLETED")
	r.fire("orders", batchID, "COMPLETED")

	assert.Equal(t, 1, calls)
}

func TestCompletionRegistry_FireUnknownBatchIsNoop(t *testing.T) {
	r := newCompletionRegistry()
	assert.NotPanics(t, func() {
		r.fire("orders", uuid.New(), "COMPLETED")
	})
}
