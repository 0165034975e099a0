package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

// emitBackoffs is the retry schedule when the cost record cannot be written
// at call end. After the last attempt the record is dead-lettered.
var emitBackoffs = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// CostRecord is the billing document emitted once per call. Token fields are
// filled for token-billed providers, Seconds and Deciminutes for
// duration-billed ones.
type CostRecord struct {
	Type     string        `json:"type"`
	CallID   string        `json:"call_id"`
	AgentID  string        `json:"agent_id"`
	Provider realtime.Name `json:"provider"`

	InputTextTokens   int `json:"input_text_tokens,omitempty"`
	InputAudioTokens  int `json:"input_audio_tokens,omitempty"`
	OutputTextTokens  int `json:"output_text_tokens,omitempty"`
	OutputAudioTokens int `json:"output_audio_tokens,omitempty"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`

	Seconds     int `json:"seconds,omitempty"`
	Deciminutes int `json:"deciminutes,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Cost accumulates billing signals over one call and emits a single record
// at call end. Accumulation is provider-typed: OpenAI and Gemini report
// token usage per response, xAI is billed on whole call seconds, Ultravox on
// deciminutes (6-second units, rounded up).
type Cost struct {
	callID   string
	agentID  string
	provider realtime.Name
	log      *slog.Logger

	mu      sync.Mutex
	started time.Time
	usage   realtime.Usage
	emitted bool

	now func() time.Time // test hook
}

// NewCost starts accumulation; the wall clock starts ticking immediately.
func NewCost(callID, agentID string, provider realtime.Name, log *slog.Logger) *Cost {
	c := &Cost{
		callID:   callID,
		agentID:  agentID,
		provider: provider,
		log:      log,
		now:      time.Now,
	}
	c.started = c.now()
	return c
}

// AddUsage folds one ResponseDone usage report into the running totals.
// Duration-billed providers report empty usage; the call simply keeps the
// wall clock.
func (c *Cost) AddUsage(u realtime.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.InputTextTokens += u.InputTextTokens
	c.usage.InputAudioTokens += u.InputAudioTokens
	c.usage.OutputTextTokens += u.OutputTextTokens
	c.usage.OutputAudioTokens += u.OutputAudioTokens
	c.usage.CachedInputTokens += u.CachedInputTokens
	c.usage.Seconds += u.Seconds
}

// Record builds the final billing record without emitting it.
func (c *Cost) Record() CostRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	ended := c.now()
	rec := CostRecord{
		Type:      "cost",
		CallID:    c.callID,
		AgentID:   c.agentID,
		Provider:  c.provider,
		StartedAt: c.started,
		EndedAt:   ended,
	}

	elapsed := ended.Sub(c.started).Seconds()
	switch c.provider {
	case realtime.ProviderXAI:
		rec.Seconds = int(math.Ceil(elapsed))
	case realtime.ProviderUltravox:
		rec.Deciminutes = int(math.Ceil(elapsed / 6))
	default:
		rec.InputTextTokens = c.usage.InputTextTokens
		rec.InputAudioTokens = c.usage.InputAudioTokens
		rec.OutputTextTokens = c.usage.OutputTextTokens
		rec.OutputAudioTokens = c.usage.OutputAudioTokens
		rec.CachedInputTokens = c.usage.CachedInputTokens
	}
	return rec
}

// Emit writes the final record to the store, retrying on failure and parking
// the record on the dead-letter list when every attempt fails. Emit never
// returns an error: cost delivery must not affect call teardown. Safe to
// call once; later calls are no-ops.
func (c *Cost) Emit(ctx context.Context, store kv.Store) {
	c.mu.Lock()
	if c.emitted {
		c.mu.Unlock()
		return
	}
	c.emitted = true
	c.mu.Unlock()

	rec := c.Record()

	lastErr := store.PushEvent(ctx, c.callID, rec)
	for _, backoff := range emitBackoffs {
		if lastErr == nil {
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
		lastErr = store.PushEvent(ctx, c.callID, rec)
	}
	if lastErr == nil {
		return
	}

	c.log.Error("cost emission failed, dead-lettering",
		"call_id", c.callID,
		"provider", string(c.provider),
		"error", lastErr,
	)

	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	dlCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.PushDeadLetter(dlCtx, payload); err != nil {
		c.log.Error("dead-letter write failed, cost record lost",
			"call_id", c.callID,
			"error", err,
		)
	}
}
