package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

// Fake is an in-memory Store for tests. The zero value is usable. Error
// injection fields make failure paths (dead-lettering, best-effort
// recording) testable without a Redis instance.
type Fake struct {
	mu sync.Mutex

	agents      map[string]realtime.AgentConfig
	audio       map[string][]byte
	events      map[string][][]byte
	deadLetters [][]byte

	// AppendAudioErr, PushEventErr and PushDeadLetterErr, when non-nil, are
	// returned by the corresponding method.
	AppendAudioErr    error
	PushEventErr      error
	PushDeadLetterErr error
	PingErr           error
}

var _ Store = (*Fake)(nil)

// SetAgent stores an agent configuration for a call id.
func (f *Fake) SetAgent(callID string, cfg realtime.AgentConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agents == nil {
		f.agents = make(map[string]realtime.AgentConfig)
	}
	f.agents[callID] = cfg
}

// Agent returns the configuration set with SetAgent, or ErrAgentNotFound.
func (f *Fake) Agent(_ context.Context, callID string) (realtime.AgentConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.agents[callID]
	if !ok {
		return realtime.AgentConfig{}, fmt.Errorf("%w: call %s", ErrAgentNotFound, callID)
	}
	return cfg, nil
}

// AppendAudio appends to the in-memory blob.
func (f *Fake) AppendAudio(_ context.Context, callID string, dir Direction, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AppendAudioErr != nil {
		return f.AppendAudioErr
	}
	if f.audio == nil {
		f.audio = make(map[string][]byte)
	}
	key := audioKey(callID, dir)
	f.audio[key] = append(f.audio[key], pcm...)
	return nil
}

// PushEvent records the JSON encoding of event.
func (f *Fake) PushEvent(_ context.Context, callID string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PushEventErr != nil {
		return f.PushEventErr
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if f.events == nil {
		f.events = make(map[string][][]byte)
	}
	key := eventsKey(callID)
	f.events[key] = append(f.events[key], data)
	return nil
}

// PushDeadLetter records the payload.
func (f *Fake) PushDeadLetter(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PushDeadLetterErr != nil {
		return f.PushDeadLetterErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.deadLetters = append(f.deadLetters, cp)
	return nil
}

// Ping returns PingErr.
func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// Audio returns the accumulated blob for a call and direction.
func (f *Fake) Audio(callID string, dir Direction) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.audio[audioKey(callID, dir)]...)
}

// Events returns the JSON events recorded for a call.
func (f *Fake) Events(callID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.events[eventsKey(callID)]...)
}

// DeadLetters returns every parked payload.
func (f *Fake) DeadLetters() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.deadLetters...)
}
