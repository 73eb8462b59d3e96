// Package registry maps (namespace, name) pairs to command handlers.
// Registration happens once at worker startup.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	courier "github.com/courierq/courier/internal"
)

// Registry holds the handlers a worker process can execute.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]courier.Handler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]courier.Handler)}
}

// Register adds a handler under namespace/name. Duplicate registration is
// a programming error and panics at startup rather than shadowing.
func (r *Registry) Register(namespace, name string, h courier.Handler) {
	key := namespace + "/" + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("registry: duplicate handler %q", key))
	}
	r.handlers[key] = h
}

// Resolve returns the handler for namespace/name, or courier.ErrNoHandler.
func (r *Registry) Resolve(namespace, name string) (courier.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[namespace+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", namespace, name, courier.ErrNoHandler)
	}
	return h, nil
}

// Typed adapts a function over concrete input/output types to the opaque
// Handler contract, so business handlers never touch raw JSON.
func Typed[I, O any](fn func(ctx context.Context, input I) (O, error)) courier.Handler {
	return courier.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		return encoded, nil
	})
}
