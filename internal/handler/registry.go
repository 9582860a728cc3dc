package handler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Spec names one method of a scanned instance as the handler for a
// (domain, command_type) pair. Go methods can't carry arbitrary
// attributes the way a `@handler(domain, type)` decorator can in the
// source this was distilled from, so instance scanning re-expresses that
// decorator as an explicit table the scanned type hands back, which the
// registry then binds by reflection over the object's methods — the same
// "declare the mapping, bind by name" shape as the teacher's
// workers.Registry.AssignedOwner hashing over a known slice instead of
// introspecting arbitrary struct tags.
type Spec struct {
	Domain      string
	CommandType string
	Method      string
}

// Scannable is implemented by a handler-bearing instance so Scan can
// discover which of its methods to bind.
type Scannable interface {
	HandlerSpecs() []Spec
}

type key struct {
	domain      string
	commandType string
}

// Registry stores the (domain, command_type) -> Handler map used by the
// worker's dispatch step.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[key]Handler)}
}

// Register binds a single handler directly, failing if one is already
// registered for (domain, command_type).
func (r *Registry) Register(domain, commandType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{domain, commandType}
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("handler already registered for %s/%s", domain, commandType)
	}
	r.handlers[k] = h
	return nil
}

// Scan walks obj's declared HandlerSpecs, binds each named method via
// reflection, and registers it. The bound method must have the exact
// Handler signature (*Context) (json.RawMessage, error); a mismatched
// signature is a programming error reported immediately rather than
// deferred to first dispatch.
func (r *Registry) Scan(obj Scannable) error {
	v := reflect.ValueOf(obj)
	for _, spec := range obj.HandlerSpecs() {
		method := v.MethodByName(spec.Method)
		if !method.IsValid() {
			return fmt.Errorf("handler scan: %T has no method %s", obj, spec.Method)
		}
		// MethodByName yields a bound method value whose dynamic type is
		// the unnamed func(*Context) (json.RawMessage, error) literal, not
		// the defined Handler type — a direct assertion to Handler would
		// always fail since type assertion requires identity, not mere
		// assignability. Assert to the unnamed signature, then convert.
		fn, ok := method.Interface().(func(*Context) (json.RawMessage, error))
		if !ok {
			return fmt.Errorf("handler scan: %T.%s does not satisfy Handler signature", obj, spec.Method)
		}
		if err := r.Register(spec.Domain, spec.CommandType, Handler(fn)); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch looks up the handler for (domain, command_type) and invokes it.
// A missing handler is reported via found=false; the caller (the worker)
// treats that as PermanentCommandError per the fatal-per-command contract.
// A handler panic is recovered and returned as a plain error.
func (r *Registry) Dispatch(ctx *Context) (result json.RawMessage, err error, found bool) {
	r.mu.RLock()
	h, ok := r.handlers[key{ctx.Command.Domain, ctx.Command.CommandType}]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	defer func() {
		if p := recover(); p != nil {
			result, err, found = nil, fmt.Errorf("handler %s/%s panicked: %v", ctx.Command.Domain, ctx.Command.CommandType, p), true
		}
	}()
	res, err := h(ctx)
	return res, err, true
}
