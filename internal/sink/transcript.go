package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
)

// TranscriptEntry is one line of recognised speech, caller or agent side.
type TranscriptEntry struct {
	Type  string    `json:"type"` // always "transcript"
	Role  string    `json:"role"` // "user" or "agent"
	Text  string    `json:"text"`
	Final bool      `json:"final"`
	At    time.Time `json:"at"`
}

// Transcript appends recognised speech to the call's event stream. Agent
// text arrives as streaming deltas; they are coalesced per response and
// written on Flush, while final user transcripts are written immediately.
type Transcript struct {
	store  kv.Store
	callID string
	log    *slog.Logger

	agentBuf string
}

// NewTranscript creates a transcript sink for one call. Not safe for
// concurrent use; the driver's event task is its only caller.
func NewTranscript(store kv.Store, callID string, log *slog.Logger) *Transcript {
	return &Transcript{store: store, callID: callID, log: log}
}

// User writes one recognised caller utterance.
func (t *Transcript) User(ctx context.Context, text string, final bool) {
	t.push(ctx, TranscriptEntry{Type: "transcript", Role: "user", Text: text, Final: final, At: time.Now()})
}

// AgentDelta buffers a streaming fragment of agent speech.
func (t *Transcript) AgentDelta(text string) {
	t.agentBuf += text
}

// FlushAgent writes the coalesced agent utterance, if any. Called on each
// ResponseDone and at call end.
func (t *Transcript) FlushAgent(ctx context.Context) {
	if t.agentBuf == "" {
		return
	}
	text := t.agentBuf
	t.agentBuf = ""
	t.push(ctx, TranscriptEntry{Type: "transcript", Role: "agent", Text: text, Final: true, At: time.Now()})
}

func (t *Transcript) push(ctx context.Context, entry TranscriptEntry) {
	if err := t.store.PushEvent(ctx, t.callID, entry); err != nil {
		t.log.Warn("transcript write failed",
			"call_id", t.callID,
			"role", entry.Role,
			"error", err,
		)
	}
}
