package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

// Router selects a provider adapter for an incoming call, applying the
// per-provider breakers. When the requested provider's breaker is open and a
// fallback is configured, the call is routed to the fallback instead of
// failing.
type Router struct {
	log *slog.Logger

	mu       sync.RWMutex
	adapters map[realtime.Name]realtime.Adapter
	breakers map[realtime.Name]*Breaker
	fallback map[realtime.Name]realtime.Name
}

// NewRouter creates an empty router.
func NewRouter(log *slog.Logger) *Router {
	return &Router{
		log:      log,
		adapters: make(map[realtime.Name]realtime.Adapter),
		breakers: make(map[realtime.Name]*Breaker),
		fallback: make(map[realtime.Name]realtime.Name),
	}
}

// Register adds an adapter with its own breaker. fallback names the provider
// to route to while this one is open; empty means fail fast.
func (r *Router) Register(adapter realtime.Adapter, fallback realtime.Name) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	r.adapters[name] = adapter
	r.breakers[name] = NewBreaker(string(name), 0, 0, r.log)
	if fallback != "" {
		r.fallback[name] = fallback
	}
}

// Adapter returns the registered adapter for name.
func (r *Router) Adapter(name realtime.Name) (realtime.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Open establishes a session with cfg's provider, falling back once if the
// primary is unavailable. It returns the adapter actually used so the caller
// can read its capabilities. Handshake outcomes feed the breakers.
func (r *Router) Open(ctx context.Context, cfg realtime.AgentConfig) (realtime.Session, realtime.Adapter, error) {
	primary := cfg.Provider

	sess, adapter, err := r.open(ctx, primary, cfg)
	if err == nil {
		return sess, adapter, nil
	}

	r.mu.RLock()
	fb, hasFallback := r.fallback[primary]
	r.mu.RUnlock()
	if !hasFallback || fb == primary {
		return nil, nil, err
	}

	r.log.Warn("routing call to fallback provider",
		"primary", primary, "fallback", fb, "error", err)
	sess, adapter, fbErr := r.open(ctx, fb, cfg)
	if fbErr != nil {
		return nil, nil, fmt.Errorf("resilience: primary %s: %w; fallback %s: %v", primary, err, fb, fbErr)
	}
	return sess, adapter, nil
}

func (r *Router) open(ctx context.Context, name realtime.Name, cfg realtime.AgentConfig) (realtime.Session, realtime.Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[name]
	breaker := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", realtime.ErrUnknownProvider, name)
	}

	if err := breaker.Allow(); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", err, name)
	}

	sess, err := adapter.Open(ctx, cfg)
	if err != nil {
		breaker.RecordFailure()
		return nil, nil, fmt.Errorf("resilience: open %s session: %w", name, err)
	}
	breaker.RecordSuccess()
	return sess, adapter, nil
}

// States reports each registered provider's breaker state, for readiness
// probes.
func (r *Router) States() map[realtime.Name]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[realtime.Name]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
