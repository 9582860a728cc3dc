package tsq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMustJSON_MarshalsValue(t *testing.T) {
	got := mustJSON(map[string]string{"operator": "alice"})
	assert.JSONEq(t, `{"operator":"alice"}`, string(got))
}

func TestMustJSON_UnmarshalableFallsBackToEmptyObject(t *testing.T) {
	got := mustJSON(make(chan int))
	assert.JSONEq(t, `{}`, string(got))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotZero(t, cfg.LockTTLSeconds)
}
