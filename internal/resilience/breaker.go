// Package resilience guards the bridge against providers whose realtime
// endpoint is down. Each provider gets a three-state breaker
// (closed → open → half-open) fed by WebSocket handshake outcomes; the
// Router consults the breakers when a call comes in and reroutes to the
// configured fallback provider while the primary is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrProviderUnavailable is returned without dialing when the provider's
// breaker is open and no healthy fallback exists.
var ErrProviderUnavailable = errors.New("resilience: provider unavailable")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state: handshakes are attempted.
	StateClosed State = iota

	// StateOpen means the breaker tripped on consecutive handshake failures.
	// Calls are rejected immediately until the reset timeout elapses.
	StateOpen

	// StateHalfOpen allows a single probe handshake. Success closes the
	// breaker, failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
)

// Breaker tracks handshake health for one provider. Unlike a wrap-style
// breaker, the caller reports outcomes explicitly: the handshake happens
// inside the adapter and its result is only known after Open returns.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	log          *slog.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
}

// NewBreaker creates a breaker. Zero-valued knobs get the deployed defaults
// (5 failures, 30 s reset).
func NewBreaker(name string, maxFailures int, resetTimeout time.Duration, log *slog.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		log:          log,
		state:        StateClosed,
	}
}

// Allow reports whether a handshake may be attempted now. In the open state
// it returns ErrProviderUnavailable in microseconds, without any network
// traffic. After the reset timeout one probe is let through; concurrent
// calls during the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return ErrProviderUnavailable
		}
		b.state = StateHalfOpen
		b.probing = true
		b.log.Info("provider breaker half-open, probing", "provider", b.name)
		return nil

	case StateHalfOpen:
		if b.probing {
			return ErrProviderUnavailable
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess reports a completed handshake.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.log.Info("provider breaker closed after probe", "provider", b.name)
	}
	b.state = StateClosed
	b.consecutiveFail = 0
	b.probing = false
}

// RecordFailure reports a failed handshake.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.probing = false
		b.log.Warn("provider breaker re-opened after failed probe", "provider", b.name)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures && b.state == StateClosed {
		b.state = StateOpen
		b.log.Warn("provider breaker opened",
			"provider", b.name,
			"consecutive_failures", b.consecutiveFail,
			"reset_timeout", b.resetTimeout,
		)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next
// Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}
