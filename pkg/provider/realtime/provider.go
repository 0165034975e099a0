// Package realtime defines the neutral adapter interface over the realtime
// voice AI providers the bridge can drive (OpenAI Realtime, xAI Grok, Gemini
// Live, Ultravox).
//
// An adapter wraps one vendor's realtime service. It opens a WebSocket
// session, translates vendor wire events into the neutral [Event] stream, and
// accepts caller audio, injected text, and tool results. The session driver
// knows only this interface; every vendor-specific protocol detail lives
// behind it.
//
// All implementations must be safe for concurrent use and must preserve
// strict event ordering within one call.
package realtime

import (
	"context"
	"errors"
)

// Common errors returned by adapters.
var (
	// ErrSessionClosed is returned by session methods after Close.
	ErrSessionClosed = errors.New("realtime: session closed")

	// ErrUnknownProvider is returned when a provider tag has no adapter.
	ErrUnknownProvider = errors.New("realtime: unknown provider")
)

// Name identifies a realtime provider.
type Name string

const (
	ProviderOpenAI   Name = "openai"
	ProviderXAI      Name = "xai"
	ProviderGemini   Name = "gemini"
	ProviderUltravox Name = "ultravox"
)

// IsValid reports whether n is a recognised provider tag.
func (n Name) IsValid() bool {
	switch n {
	case ProviderOpenAI, ProviderXAI, ProviderGemini, ProviderUltravox:
		return true
	}
	return false
}

// Capabilities describes static properties of a provider. The values are
// constant for the lifetime of the Adapter instance; the driver consults them
// instead of special-casing vendors.
type Capabilities struct {
	// SupportsCancel reports whether the provider accepts an explicit
	// response-cancellation request. When false the driver drops queued agent
	// audio locally on barge-in and sends nothing upstream.
	SupportsCancel bool

	// AudioPassthrough reports that the media path bypasses the bridge (the
	// PBX speaks to the provider directly). SendUserAudio is a no-op and the
	// pacer never runs for such sessions.
	AudioPassthrough bool

	// SampleRate is the PCM16 sample rate the provider exchanges with the
	// bridge. Zero when AudioPassthrough is set.
	SampleRate int

	// LanguageHint reports whether the provider accepts an input
	// transcription language hint in its session configuration.
	LanguageHint bool
}

// Session is one live provider connection for one call.
//
// The session is the hot path of the bridge — every method must return
// quickly. Incoming events are channel-based so the driver's event loop can
// select across them and the call's cancellation. Callers must drain Events
// promptly and must call Close when the call ends.
type Session interface {
	// SendUserAudio forwards 20 ms of caller PCM16 to the provider. For
	// passthrough providers this is a no-op.
	SendUserAudio(chunk []byte) error

	// SendUserText injects caller text from another source, such as a DTMF
	// digit announcement.
	SendUserText(text string) error

	// SendToolResult replies to a tool invocation previously surfaced as a
	// ToolCallRequested event. resultJSON carries either the handler result
	// or an {"error": ...} payload.
	SendToolResult(callID, resultJSON string) error

	// RequestCancel asks the provider to stop the current response. Adapters
	// whose provider has no cancellation primitive return nil without
	// sending anything; the driver is responsible for dropping queued output
	// locally in that case.
	RequestCancel() error

	// Events returns the session's neutral event stream. The channel is
	// closed when the session ends; call Err afterwards to learn whether it
	// ended cleanly.
	Events() <-chan Event

	// Err returns the error that terminated the event stream, or nil.
	Err() error

	// Close terminates the session with a human-readable reason. Calling
	// Close more than once is safe and returns nil.
	Close(reason string) error
}

// Adapter is the abstraction over one realtime vendor. Implementations are
// created once at process start and shared by all calls routed to that
// vendor.
type Adapter interface {
	// Open establishes a session configured from cfg. The returned Session
	// is ready to accept audio once it emits SessionReady. The ctx deadline
	// bounds the WebSocket handshake and session configuration.
	Open(ctx context.Context, cfg AgentConfig) (Session, error)

	// Name returns the provider tag this adapter serves.
	Name() Name

	// Capabilities returns the provider's static capability set.
	Capabilities() Capabilities
}
