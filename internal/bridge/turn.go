// Package bridge runs one call end to end: it pumps PBX audio into a
// provider session, paces agent audio back out in 20 ms frames, dispatches
// tool calls, and feeds the recording, transcript and cost sinks. Each call
// is a small set of cooperative tasks sharing no state with any other call.
package bridge

import "fmt"

// TurnState tracks whose turn it is in the conversation. The driver's event
// task is the only writer.
type TurnState int

const (
	// TurnIdle means nobody is speaking and no response is pending.
	TurnIdle TurnState = iota

	// TurnUserSpeaking means the provider's VAD detected caller speech.
	TurnUserSpeaking

	// TurnAgentThinking means the caller stopped and a response is being
	// generated but no audio has arrived yet.
	TurnAgentThinking

	// TurnAgentSpeaking means agent audio is flowing to the pacer.
	TurnAgentSpeaking

	// TurnBargingIn means the caller interrupted agent speech; the pacer is
	// parked and a cancel is in flight.
	TurnBargingIn

	// TurnToolRunning means a tool call is executing. Audio may continue in
	// parallel.
	TurnToolRunning
)

// String returns the state name used in logs.
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnUserSpeaking:
		return "user_speaking"
	case TurnAgentThinking:
		return "agent_thinking"
	case TurnAgentSpeaking:
		return "agent_speaking"
	case TurnBargingIn:
		return "barging_in"
	case TurnToolRunning:
		return "tool_running"
	default:
		return fmt.Sprintf("turn_state(%d)", int(s))
	}
}

// turnTracker applies the per-call turn transitions. Events that have no
// transition from the current state leave it unchanged; providers emit
// speech edges in orders the machine must tolerate.
type turnTracker struct {
	state TurnState
}

// onUserSpeechStarted reports whether the edge is a barge-in: caller speech
// while the agent is audibly speaking.
func (t *turnTracker) onUserSpeechStarted() (bargeIn bool) {
	switch t.state {
	case TurnAgentSpeaking:
		t.state = TurnBargingIn
		return true
	case TurnIdle, TurnAgentThinking, TurnToolRunning:
		t.state = TurnUserSpeaking
	}
	return false
}

func (t *turnTracker) onUserSpeechStopped() {
	if t.state == TurnUserSpeaking || t.state == TurnBargingIn {
		t.state = TurnAgentThinking
	}
}

func (t *turnTracker) onAgentAudio() {
	if t.state != TurnBargingIn {
		t.state = TurnAgentSpeaking
	}
}

func (t *turnTracker) onToolCall() {
	if t.state == TurnAgentSpeaking || t.state == TurnAgentThinking || t.state == TurnIdle {
		t.state = TurnToolRunning
	}
}

func (t *turnTracker) onResponseDone() {
	t.state = TurnIdle
}
