package realtime

import "fmt"

// EventKind tags a neutral event.
type EventKind int

const (
	// KindSessionReady means the provider acknowledged the session
	// configuration; the greeting may now be requested.
	KindSessionReady EventKind = iota

	// KindUserSpeechStarted is the provider's server-VAD speech-onset edge.
	KindUserSpeechStarted

	// KindUserSpeechStopped is the matching speech-end edge.
	KindUserSpeechStopped

	// KindAgentAudioDelta carries a PCM16 chunk of synthesised agent speech,
	// 20 ms or larger, at the provider's sample rate.
	KindAgentAudioDelta

	// KindAgentTextDelta carries a streaming text fragment of agent speech.
	KindAgentTextDelta

	// KindUserTranscript carries recognised caller speech. Final marks the
	// end of a recognised utterance.
	KindUserTranscript

	// KindToolCallRequested asks the bridge to execute a named tool.
	KindToolCallRequested

	// KindResponseDone marks the end of a response turn and carries usage
	// when the provider reports it.
	KindResponseDone

	// KindProviderError reports a vendor-side error. Fatal errors end the
	// call; non-fatal ones are logged and the call continues.
	KindProviderError
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case KindSessionReady:
		return "session_ready"
	case KindUserSpeechStarted:
		return "user_speech_started"
	case KindUserSpeechStopped:
		return "user_speech_stopped"
	case KindAgentAudioDelta:
		return "agent_audio_delta"
	case KindAgentTextDelta:
		return "agent_text_delta"
	case KindUserTranscript:
		return "user_transcript"
	case KindToolCallRequested:
		return "tool_call_requested"
	case KindResponseDone:
		return "response_done"
	case KindProviderError:
		return "provider_error"
	default:
		return fmt.Sprintf("event_kind(%d)", int(k))
	}
}

// ToolCall is a provider request to execute a named tool.
type ToolCall struct {
	// ID is the provider-assigned call id, echoed back in the tool result.
	ID string

	// Name must resolve against the bridge's tool registry.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// Usage is the billing signal carried by a ResponseDone event. Token fields
// are set by token-billed providers (OpenAI, Gemini); Seconds is set by
// duration-billed ones.
type Usage struct {
	InputTextTokens   int
	InputAudioTokens  int
	OutputTextTokens  int
	OutputAudioTokens int
	CachedInputTokens int
	Seconds           float64
}

// ProviderError describes a vendor-side failure surfaced on the event stream.
type ProviderError struct {
	// Kind is a short vendor-neutral classification such as "rate_limit" or
	// "transport".
	Kind string

	Message string

	// Fatal means the session is unusable and the call must end.
	Fatal bool
}

// Error implements the error interface.
func (e ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

// Event is one neutral event decoded from a vendor wire message. Exactly the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Audio is set for AgentAudioDelta.
	Audio []byte

	// Text is set for AgentTextDelta and UserTranscript.
	Text string

	// Final is set for UserTranscript.
	Final bool

	// Tool is set for ToolCallRequested.
	Tool ToolCall

	// Usage and Reason are set for ResponseDone.
	Usage  Usage
	Reason string

	// Err is set for ProviderError.
	Err ProviderError
}
