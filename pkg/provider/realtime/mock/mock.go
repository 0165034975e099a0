// Package mock provides a scriptable in-memory implementation of the
// realtime Adapter and Session interfaces for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

var _ realtime.Adapter = (*Adapter)(nil)
var _ realtime.Session = (*Session)(nil)

// Adapter implements realtime.Adapter. The zero value opens sessions that
// succeed; set OpenErr to make Open fail, and Caps to override capabilities.
type Adapter struct {
	// ProviderName is returned by Name. Defaults to "openai" so configs
	// validate without extra setup.
	ProviderName realtime.Name

	// Caps is returned by Capabilities.
	Caps realtime.Capabilities

	// OpenErr, when non-nil, makes every Open call fail with it.
	OpenErr error

	// OpenDelay makes Open block before returning, simulating handshake
	// latency. Open fails with the context error if ctx expires first.
	OpenDelay time.Duration

	mu        sync.Mutex
	openCalls int
	sessions  []*Session
}

// Name returns the configured provider tag.
func (a *Adapter) Name() realtime.Name {
	if a.ProviderName == "" {
		return realtime.ProviderOpenAI
	}
	return a.ProviderName
}

// Capabilities returns the configured capability set.
func (a *Adapter) Capabilities() realtime.Capabilities { return a.Caps }

// Open returns a new scriptable session, or OpenErr when set.
func (a *Adapter) Open(ctx context.Context, cfg realtime.AgentConfig) (realtime.Session, error) {
	a.mu.Lock()
	delay := a.OpenDelay
	a.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Count the call only once its outcome is decided, so a poll on
	// OpenCalls cannot observe the count before the session exists.
	a.openCalls++
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	s := NewSession()
	s.Config = cfg
	a.sessions = append(a.sessions, s)
	return s, nil
}

// OpenCalls reports how many times Open was invoked.
func (a *Adapter) OpenCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openCalls
}

// LastSession returns the most recently opened session, or nil.
func (a *Adapter) LastSession() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil
	}
	return a.sessions[len(a.sessions)-1]
}

// Session implements realtime.Session. Tests drive the event stream through
// Emit and inspect what the bridge sent through the recorded slices.
type Session struct {
	// Config is the AgentConfig the session was opened with.
	Config realtime.AgentConfig

	// SendErr, when non-nil, is returned from every Send* method.
	SendErr error

	events chan realtime.Event

	mu          sync.Mutex
	audio       [][]byte
	texts       []string
	toolResults map[string]string
	cancels     int
	closed      bool
	finished    bool
	closeReason string
	errVal      error
}

// NewSession returns a ready-to-use session with a buffered event stream.
func NewSession() *Session {
	return &Session{
		events:      make(chan realtime.Event, 64),
		toolResults: make(map[string]string),
	}
}

// Emit places one event on the stream, as the provider receive loop would.
func (s *Session) Emit(evt realtime.Event) { s.events <- evt }

// Finish closes the event stream, simulating the provider ending the
// session. Like the real adapters, a finished session answers every Send*
// with ErrSessionClosed.
func (s *Session) Finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	close(s.events)
}

// SendUserAudio records the chunk.
func (s *Session) SendUserAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return realtime.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// SendUserText records the text.
func (s *Session) SendUserText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return realtime.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.texts = append(s.texts, text)
	return nil
}

// SendToolResult records the result keyed by call id.
func (s *Session) SendToolResult(callID, resultJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return realtime.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.toolResults[callID] = resultJSON
	return nil
}

// RequestCancel counts the invocation.
func (s *Session) RequestCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Err returns the error configured with SetErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// SetErr sets the value returned by Err, simulating a transport failure.
func (s *Session) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errVal = err
}

// Close marks the session closed and records the reason. Idempotent.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeReason = reason
	return nil
}

// AudioChunks returns a copy of everything sent with SendUserAudio.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns everything sent with SendUserText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// ToolResult returns the recorded result for callID.
func (s *Session) ToolResult(callID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.toolResults[callID]
	return r, ok
}

// Cancels reports how many times RequestCancel was invoked.
func (s *Session) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Closed reports whether Close was called, and with what reason.
func (s *Session) Closed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}
