package handler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandlers struct{ called int }

func (e *echoHandlers) HandlerSpecs() []Spec {
	return []Spec{{Domain: "orders", CommandType: "Echo", Method: "Echo"}}
}

func (e *echoHandlers) Echo(ctx *Context) (json.RawMessage, error) {
	e.called++
	return ctx.Command.Data, nil
}

func TestRegistry_RegisterAndDispatch(t *testing.T) {
	r := NewRegistry()
	var h Handler = func(ctx *Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}
	require.NoError(t, r.Register("orders", "Ship", h))

	ctx := NewContext(Command{Domain: "orders", CommandType: "Ship"}, 1, 3, 42, nil)
	result, err, found := r.Dispatch(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestRegistry_RegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	var h Handler = func(ctx *Context) (json.RawMessage, error) { return nil, nil }
	require.NoError(t, r.Register("orders", "Ship", h))
	err := r.Register("orders", "Ship", h)
	assert.Error(t, err)
}

func TestRegistry_DispatchMissingHandler(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext(Command{Domain: "orders", CommandType: "Unknown"}, 1, 3, 1, nil)
	_, err, found := r.Dispatch(ctx)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRegistry_Scan(t *testing.T) {
	r := NewRegistry()
	obj := &echoHandlers{}
	require.NoError(t, r.Scan(obj))

	ctx := NewContext(Command{Domain: "orders", CommandType: "Echo", Data: json.RawMessage(`{"n":1}`)}, 1, 3, 1, nil)
	result, err, found := r.Dispatch(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"n":1}`, string(result))
	assert.Equal(t, 1, obj.called)
}

func TestRegistry_ScanMissingMethod(t *testing.T) {
	r := NewRegistry()
	bad := &badSpec{}
	err := r.Scan(bad)
	assert.Error(t, err)
}

type badSpec struct{}

func (b *badSpec) HandlerSpecs() []Spec {
	return []Spec{{Domain: "orders", CommandType: "Nope", Method: "DoesNotExist"}}
}

func TestContext_ExtendVisibilityNilIsNoop(t *testing.T) {
	ctx := NewContext(Command{}, 1, 3, 1, nil)
	assert.NoError(t, ctx.ExtendVisibility(0))
}
