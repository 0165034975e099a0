package resilience_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/resilience"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime/mock"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Breaker ───────────────────────────────────────────────────────────────────

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker("test", 5, time.Minute, discard())

	for i := 0; i < 4; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow after %d failures: %v", i, err)
		}
		b.RecordFailure()
	}
	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("state after 4 failures = %v; want closed", got)
	}

	b.RecordFailure()
	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("state after 5 failures = %v; want open", got)
	}
	if err := b.Allow(); !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Errorf("Allow while open = %v; want ErrProviderUnavailable", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker("test", 3, time.Minute, discard())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state = %v; want closed after interleaved success", got)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker("test", 1, 30*time.Millisecond, discard())
	b.RecordFailure()

	if err := b.Allow(); !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Fatalf("Allow right after open = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if got := b.State(); got != resilience.StateHalfOpen {
		t.Fatalf("state after reset window = %v; want half-open", got)
	}

	// First caller gets the probe, a concurrent second caller is rejected.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Errorf("second Allow during probe = %v; want ErrProviderUnavailable", err)
	}

	b.RecordSuccess()
	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state after probe success = %v; want closed", got)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after close: %v", err)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker("test", 1, 20*time.Millisecond, discard())
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	b.RecordFailure()

	if got := b.State(); got != resilience.StateOpen {
		t.Errorf("state after failed probe = %v; want open", got)
	}
	if err := b.Allow(); !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Errorf("Allow after failed probe = %v; want ErrProviderUnavailable", err)
	}
}

// ── Router ────────────────────────────────────────────────────────────────────

func tripProvider(t *testing.T, r *resilience.Router, cfg realtime.AgentConfig) {
	t.Helper()
	for i := 0; i < 5; i++ {
		if _, _, err := r.Open(context.Background(), cfg); err == nil {
			t.Fatal("Open succeeded while adapter is failing")
		}
	}
}

func TestRouter_OpenSelectsRequestedProvider(t *testing.T) {
	t.Parallel()

	openai := &mock.Adapter{ProviderName: realtime.ProviderOpenAI}
	gemini := &mock.Adapter{ProviderName: realtime.ProviderGemini}
	r := resilience.NewRouter(discard())
	r.Register(openai, "")
	r.Register(gemini, "")

	sess, adapter, err := r.Open(context.Background(), realtime.AgentConfig{Provider: realtime.ProviderGemini})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close("")

	if adapter.Name() != realtime.ProviderGemini {
		t.Errorf("adapter = %s; want gemini", adapter.Name())
	}
	if gemini.OpenCalls() != 1 || openai.OpenCalls() != 0 {
		t.Errorf("open calls: gemini=%d openai=%d", gemini.OpenCalls(), openai.OpenCalls())
	}
}

func TestRouter_UnknownProvider(t *testing.T) {
	t.Parallel()

	r := resilience.NewRouter(discard())
	_, _, err := r.Open(context.Background(), realtime.AgentConfig{Provider: realtime.ProviderXAI})
	if !errors.Is(err, realtime.ErrUnknownProvider) {
		t.Errorf("err = %v; want ErrUnknownProvider", err)
	}
}

func TestRouter_OpenBreakerFailsFastWithoutDialing(t *testing.T) {
	t.Parallel()

	failing := &mock.Adapter{
		ProviderName: realtime.ProviderOpenAI,
		OpenErr:      errors.New("handshake refused"),
	}
	r := resilience.NewRouter(discard())
	r.Register(failing, "")

	cfg := realtime.AgentConfig{Provider: realtime.ProviderOpenAI}
	tripProvider(t, r, cfg)

	dialed := failing.OpenCalls()
	start := time.Now()
	_, _, err := r.Open(context.Background(), cfg)
	elapsed := time.Since(start)

	if !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Fatalf("err = %v; want ErrProviderUnavailable", err)
	}
	if elapsed > 10*time.Millisecond {
		t.Errorf("fast-fail took %v; want under 10ms", elapsed)
	}
	if failing.OpenCalls() != dialed {
		t.Errorf("adapter dialed while breaker open")
	}
}

func TestRouter_FallbackWhileOpen(t *testing.T) {
	t.Parallel()

	failing := &mock.Adapter{
		ProviderName: realtime.ProviderOpenAI,
		OpenErr:      errors.New("handshake refused"),
	}
	backup := &mock.Adapter{ProviderName: realtime.ProviderGemini}
	r := resilience.NewRouter(discard())
	r.Register(failing, realtime.ProviderGemini)
	r.Register(backup, "")

	cfg := realtime.AgentConfig{Provider: realtime.ProviderOpenAI}

	// While the primary still dials, each failure already falls back.
	sess, adapter, err := r.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open with failing primary: %v", err)
	}
	sess.Close("")
	if adapter.Name() != realtime.ProviderGemini {
		t.Errorf("adapter = %s; want fallback gemini", adapter.Name())
	}

	// Trip the primary, then verify fallback keeps serving without dials.
	for i := 0; i < 5; i++ {
		if s, _, err := r.Open(context.Background(), cfg); err == nil {
			s.Close("")
		}
	}
	if got := r.States()[realtime.ProviderOpenAI]; got != resilience.StateOpen {
		t.Fatalf("primary state = %v; want open", got)
	}

	dialed := failing.OpenCalls()
	sess, adapter, err = r.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open while primary open: %v", err)
	}
	sess.Close("")
	if adapter.Name() != realtime.ProviderGemini {
		t.Errorf("adapter = %s; want gemini", adapter.Name())
	}
	if failing.OpenCalls() != dialed {
		t.Errorf("primary dialed while its breaker is open")
	}
}

func TestRouter_NoFallbackSurfacesError(t *testing.T) {
	t.Parallel()

	failing := &mock.Adapter{
		ProviderName: realtime.ProviderXAI,
		OpenErr:      errors.New("handshake refused"),
	}
	r := resilience.NewRouter(discard())
	r.Register(failing, "")

	cfg := realtime.AgentConfig{Provider: realtime.ProviderXAI}
	tripProvider(t, r, cfg)

	if _, _, err := r.Open(context.Background(), cfg); !errors.Is(err, resilience.ErrProviderUnavailable) {
		t.Errorf("err = %v; want ErrProviderUnavailable", err)
	}
}

func TestRouter_StatesReflectsAllProviders(t *testing.T) {
	t.Parallel()

	r := resilience.NewRouter(discard())
	r.Register(&mock.Adapter{ProviderName: realtime.ProviderOpenAI}, "")
	r.Register(&mock.Adapter{ProviderName: realtime.ProviderUltravox}, "")

	states := r.States()
	if len(states) != 2 {
		t.Fatalf("states = %v; want 2 entries", states)
	}
	for name, state := range states {
		if state != resilience.StateClosed {
			t.Errorf("%s state = %v; want closed", name, state)
		}
	}
}
