// Package tools implements the bridge's tool dispatcher: a process-wide
// registry built once at startup, mapping the tool names offered to the
// model onto executable handlers.
//
// Three handler classes exist: built-ins that serialise into the call's
// event stream, external HTTP endpoints, and tools proxied to MCP servers.
// Whatever happens inside a handler, dispatch always produces a JSON result
// for the provider — tool failure makes the agent speak a fallback, never
// ends the call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

// dispatchTimeout is the hard per-tool budget. Handlers that need longer
// must return a placeholder and complete asynchronously.
const dispatchTimeout = 5 * time.Second

// Error codes carried in error-payload tool results.
const (
	CodeUnknown = "TOOL_UNKNOWN"
	CodeTimeout = "TOOL_TIMEOUT"
	CodeError   = "TOOL_ERROR"
)

// Handler executes one tool invocation. argsJSON is the provider-supplied
// JSON argument object; the returned string must be valid JSON.
type Handler interface {
	Handle(ctx context.Context, argsJSON string) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, argsJSON string) (string, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, argsJSON string) (string, error) {
	return f(ctx, argsJSON)
}

// Registry maps tool names to handlers. It is populated during startup and
// read-only afterwards; the mutex only guards against misuse.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Clone returns a registry with the same handlers. The driver clones the
// shared registry per call before adding the call-scoped built-ins, so no
// call ever mutates the shared map.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewRegistry(r.log)
	for name, h := range r.handlers {
		clone.handlers[name] = h
	}
	return clone
}

// Names returns the registered tool names, for logging at startup.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// errorResult builds the JSON payload returned to the provider for a failed
// invocation. The agent is prompted to speak a fallback from it.
func errorResult(code, message string) string {
	payload := map[string]any{
		"error": map[string]string{"code": code, "message": message},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

// Dispatch executes the tool named in call and always returns a JSON result
// to hand back to the provider. Unknown names, handler errors, and the 5 s
// timeout all map to error payloads.
func (r *Registry) Dispatch(ctx context.Context, call realtime.ToolCall) string {
	r.mu.RLock()
	h, ok := r.handlers[call.Name]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn("unknown tool requested", "tool", call.Name, "call_id", call.ID)
		return errorResult(CodeUnknown, fmt.Sprintf("no tool named %q", call.Name))
	}

	toolCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	start := time.Now()
	result, err := h.Handle(toolCtx, call.Arguments)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		r.log.Debug("tool dispatched", "tool", call.Name, "duration", elapsed)
		return result
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(toolCtx.Err(), context.DeadlineExceeded):
		r.log.Warn("tool timed out", "tool", call.Name, "duration", elapsed)
		return errorResult(CodeTimeout, fmt.Sprintf("tool %q exceeded %s", call.Name, dispatchTimeout))
	default:
		r.log.Warn("tool failed", "tool", call.Name, "error", err)
		return errorResult(CodeError, err.Error())
	}
}
