package bus

import (
	"sync"

	"github.com/google/uuid"
)

// completionRegistry holds in-memory, best-effort batch completion
// callbacks keyed by batch_id. It is intentionally not persisted: a
// process restart loses any pending callback, exactly as spec.md
// documents for create_batch's on_complete parameter.
type completionRegistry struct {
	mu        sync.Mutex
	callbacks map[uuid.UUID]OnCompleteFunc
}

func newCompletionRegistry() *completionRegistry {
	return &completionRegistry{callbacks: make(map[uuid.UUID]OnCompleteFunc)}
}

func (c *completionRegistry) register(batchID uuid.UUID, fn OnCompleteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[batchID] = fn
}

func (c *completionRegistry) fire(domain string, batchID uuid.UUID, status string) {
	c.mu.Lock()
	fn, ok := c.callbacks[batchID]
	if ok {
		delete(c.callbacks, batchID)
	}
	c.mu.Unlock()

	if ok && fn != nil {
		fn(domain, batchID, status)
	}
}
