package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
)

// CallControl is the slice of call behaviour built-ins may trigger. The
// bridge driver implements it; handlers only request, the driver decides
// when to act (the agent usually still speaks a goodbye first).
type CallControl interface {
	// RequestHangup schedules call termination after the current response.
	RequestHangup(reason string)

	// RequestTransfer hands the call to a human destination.
	RequestTransfer(target string)
}

// Builtins wires the standard tool set for one call: each handler
// serialises its arguments into the call's KV event stream, where platform
// workers pick them up. The bridge itself never touches appointment or lead
// storage directly.
type Builtins struct {
	store  kv.Store
	callID string
	ctrl   CallControl
}

// NewBuiltins creates the built-in handler set for a call.
func NewBuiltins(store kv.Store, callID string, ctrl CallControl) *Builtins {
	return &Builtins{store: store, callID: callID, ctrl: ctrl}
}

// RegisterAll binds every built-in tool into reg.
func (b *Builtins) RegisterAll(reg *Registry) {
	reg.Register("end_call", HandlerFunc(b.endCall))
	reg.Register("transfer_to_human", HandlerFunc(b.transferToHuman))
	reg.Register("save_answer", b.eventWriter("answer"))
	reg.Register("confirm_appointment", b.eventWriter("appointment_confirmation"))
	reg.Register("capture_lead", b.eventWriter("lead"))
	reg.Register("search_documents", b.eventWriter("document_search"))
	reg.Register("schedule_callback", b.eventWriter("callback_request"))
}

// builtinEvent is the envelope written to the call event stream.
type builtinEvent struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Args   json.RawMessage `json:"args"`
	At     time.Time       `json:"at"`
}

// eventWriter returns a handler that validates the argument JSON and
// appends it to the event stream under eventType.
func (b *Builtins) eventWriter(eventType string) HandlerFunc {
	return func(ctx context.Context, argsJSON string) (string, error) {
		if argsJSON == "" {
			argsJSON = "{}"
		}
		if !json.Valid([]byte(argsJSON)) {
			return "", fmt.Errorf("tools: %s: arguments are not valid JSON", eventType)
		}
		evt := builtinEvent{
			Type:   eventType,
			CallID: b.callID,
			Args:   json.RawMessage(argsJSON),
			At:     time.Now(),
		}
		if err := b.store.PushEvent(ctx, b.callID, evt); err != nil {
			return "", fmt.Errorf("tools: %s: %w", eventType, err)
		}
		return `{"status":"saved"}`, nil
	}
}

func (b *Builtins) endCall(ctx context.Context, argsJSON string) (string, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var args struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal([]byte(argsJSON), &args)
	if args.Reason == "" {
		args.Reason = "agent ended call"
	}

	evt := builtinEvent{
		Type:   "call_end_requested",
		CallID: b.callID,
		Args:   json.RawMessage(argsJSON),
		At:     time.Now(),
	}
	_ = b.store.PushEvent(ctx, b.callID, evt)

	b.ctrl.RequestHangup(args.Reason)
	return `{"status":"call will end"}`, nil
}

func (b *Builtins) transferToHuman(ctx context.Context, argsJSON string) (string, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var args struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal([]byte(argsJSON), &args)

	evt := builtinEvent{
		Type:   "transfer_requested",
		CallID: b.callID,
		Args:   json.RawMessage(argsJSON),
		At:     time.Now(),
	}
	_ = b.store.PushEvent(ctx, b.callID, evt)

	b.ctrl.RequestTransfer(args.Target)
	return `{"status":"transferring"}`, nil
}
