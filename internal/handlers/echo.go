// Package handlers provides the built-in command handlers.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/registry"
)

// BuiltinNamespace groups the handlers every deployment gets for free.
const BuiltinNamespace = "builtin"

// RegisterBuiltins wires the built-in handlers into reg. fetch may be nil
// to leave outbound HTTP disabled.
func RegisterBuiltins(reg *registry.Registry, fetch *Fetch) {
	reg.Register(BuiltinNamespace, "echo", courier.HandlerFunc(Echo))
	reg.Register(BuiltinNamespace, "sleep", courier.HandlerFunc(Sleep))
	if fetch != nil {
		reg.Register(BuiltinNamespace, "fetch", fetch)
	}
}

// Echo returns its input unchanged. Useful for smoke tests and as a
// liveness probe for the full submit -> claim -> execute path.
func Echo(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	if input == nil {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}

// Sleep blocks for the requested duration, honoring cancellation. It
// exists to exercise timeouts and heartbeats against a live deployment.
func Sleep(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Ms int64 `json:"ms"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
	}
	select {
	case <-time.After(time.Duration(req.Ms) * time.Millisecond):
		return json.Marshal(map[string]int64{"slept_ms": req.Ms})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
