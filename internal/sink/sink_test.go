package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Recorder ──────────────────────────────────────────────────────────────────

func TestRecorder_FlushesOnSizeThreshold(t *testing.T) {
	store := &kv.Fake{}
	r := NewRecorder(store, "c1", discard())
	defer r.Close()

	frame := make([]byte, 960)
	for i := range frame {
		frame[i] = byte(i)
	}
	// 51 frames of 960 B crosses the 48 KiB threshold.
	for range 52 {
		r.Append(kv.DirectionIn, frame)
	}

	deadline := time.After(2 * time.Second)
	for len(store.Audio("c1", kv.DirectionIn)) < flushBytes {
		select {
		case <-deadline:
			t.Fatalf("no size-triggered flush; stored %d bytes", len(store.Audio("c1", kv.DirectionIn)))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRecorder_FlushesOnAge(t *testing.T) {
	store := &kv.Fake{}
	r := NewRecorder(store, "c1", discard())
	defer r.Close()

	r.Append(kv.DirectionOut, []byte{1, 2, 3})

	deadline := time.After(3 * time.Second)
	for len(store.Audio("c1", kv.DirectionOut)) == 0 {
		select {
		case <-deadline:
			t.Fatal("no age-triggered flush within 3 s")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRecorder_CloseFlushesRemainder(t *testing.T) {
	store := &kv.Fake{}
	r := NewRecorder(store, "c1", discard())

	r.Append(kv.DirectionIn, []byte{7, 8, 9})
	r.Close()

	if got := store.Audio("c1", kv.DirectionIn); string(got) != string([]byte{7, 8, 9}) {
		t.Errorf("stored = %v; want [7 8 9]", got)
	}
}

func TestRecorder_WriteFailureNeverPanicsAndCloseIsIdempotent(t *testing.T) {
	store := &kv.Fake{AppendAudioErr: errors.New("redis down")}
	r := NewRecorder(store, "c1", discard())

	big := make([]byte, flushBytes)
	r.Append(kv.DirectionIn, big) // size flush fails
	r.Append(kv.DirectionIn, []byte{1})

	r.Close()
	r.Close()
}

// ── Cost ──────────────────────────────────────────────────────────────────────

func TestCost_TokenBilledProvider(t *testing.T) {
	c := NewCost("c1", "ag-1", realtime.ProviderOpenAI, discard())
	c.AddUsage(realtime.Usage{InputTextTokens: 100, InputAudioTokens: 250, OutputAudioTokens: 300, CachedInputTokens: 60})
	c.AddUsage(realtime.Usage{InputAudioTokens: 50, OutputTextTokens: 20})

	rec := c.Record()
	if rec.InputTextTokens != 100 || rec.InputAudioTokens != 300 {
		t.Errorf("input tokens = %d/%d", rec.InputTextTokens, rec.InputAudioTokens)
	}
	if rec.OutputTextTokens != 20 || rec.OutputAudioTokens != 300 {
		t.Errorf("output tokens = %d/%d", rec.OutputTextTokens, rec.OutputAudioTokens)
	}
	if rec.CachedInputTokens != 60 {
		t.Errorf("cached = %d", rec.CachedInputTokens)
	}
	if rec.Seconds != 0 || rec.Deciminutes != 0 {
		t.Errorf("duration fields should be empty for token billing: %+v", rec)
	}
}

func TestCost_XAISecondsRoundUp(t *testing.T) {
	c := NewCost("c1", "ag-1", realtime.ProviderXAI, discard())
	base := time.Now()
	c.started = base
	c.now = func() time.Time { return base.Add(61100 * time.Millisecond) } // 61.1 s

	rec := c.Record()
	if rec.Seconds != 62 {
		t.Errorf("seconds = %d; want ceil(61.1) = 62", rec.Seconds)
	}
	if rec.InputAudioTokens != 0 {
		t.Error("token fields should be empty for xai")
	}
}

func TestCost_UltravoxDeciminutes(t *testing.T) {
	c := NewCost("c1", "ag-1", realtime.ProviderUltravox, discard())
	base := time.Now()
	c.started = base
	c.now = func() time.Time { return base.Add(61 * time.Second) }

	rec := c.Record()
	// 61 s / 6 = 10.16..., billed as 11 deciminutes.
	if rec.Deciminutes != 11 {
		t.Errorf("deciminutes = %d; want 11", rec.Deciminutes)
	}
}

func TestCost_EmitWritesRecord(t *testing.T) {
	store := &kv.Fake{}
	c := NewCost("c1", "ag-1", realtime.ProviderOpenAI, discard())
	c.AddUsage(realtime.Usage{OutputAudioTokens: 42})

	c.Emit(context.Background(), store)

	events := store.Events("c1")
	if len(events) != 1 {
		t.Fatalf("events = %d; want 1", len(events))
	}
	var rec CostRecord
	if err := json.Unmarshal(events[0], &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Type != "cost" || rec.OutputAudioTokens != 42 {
		t.Errorf("record = %+v", rec)
	}
}

func TestCost_EmitDeadLettersAfterRetries(t *testing.T) {
	store := &kv.Fake{PushEventErr: errors.New("sink down")}
	c := NewCost("c1", "ag-1", realtime.ProviderOpenAI, discard())

	start := time.Now()
	c.Emit(context.Background(), store)
	elapsed := time.Since(start)

	// 100 ms + 500 ms + 2 s of backoff must have passed.
	if elapsed < 2600*time.Millisecond {
		t.Errorf("emit returned after %v; want full backoff schedule", elapsed)
	}

	dl := store.DeadLetters()
	if len(dl) != 1 {
		t.Fatalf("dead letters = %d; want 1", len(dl))
	}
	if !strings.Contains(string(dl[0]), `"call_id":"c1"`) {
		t.Errorf("dead letter payload = %s", dl[0])
	}
}

func TestCost_EmitIsOnce(t *testing.T) {
	store := &kv.Fake{}
	c := NewCost("c1", "ag-1", realtime.ProviderOpenAI, discard())

	c.Emit(context.Background(), store)
	c.Emit(context.Background(), store)

	if got := len(store.Events("c1")); got != 1 {
		t.Errorf("events = %d; want 1", got)
	}
}

// ── Transcript ────────────────────────────────────────────────────────────────

func TestTranscript_UserAndCoalescedAgent(t *testing.T) {
	store := &kv.Fake{}
	tr := NewTranscript(store, "c1", discard())
	ctx := context.Background()

	tr.User(ctx, "Randevu almak istiyorum", true)
	tr.AgentDelta("Tabii, ")
	tr.AgentDelta("hangi gün uygun?")
	tr.FlushAgent(ctx)
	tr.FlushAgent(ctx) // empty buffer, no extra entry

	events := store.Events("c1")
	if len(events) != 2 {
		t.Fatalf("events = %d; want 2", len(events))
	}

	var user, agent TranscriptEntry
	if err := json.Unmarshal(events[0], &user); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(events[1], &agent); err != nil {
		t.Fatal(err)
	}
	if user.Role != "user" || !user.Final {
		t.Errorf("user entry = %+v", user)
	}
	if agent.Role != "agent" || agent.Text != "Tabii, hangi gün uygun?" {
		t.Errorf("agent entry = %+v", agent)
	}
}

func TestTranscript_WriteFailureIsSwallowed(t *testing.T) {
	store := &kv.Fake{PushEventErr: errors.New("down")}
	tr := NewTranscript(store, "c1", discard())

	tr.User(context.Background(), "hello", true)
	tr.AgentDelta("hi")
	tr.FlushAgent(context.Background())
}
