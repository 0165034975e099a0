// Package xai implements the realtime.Adapter interface for xAI's Grok
// realtime voice API.
//
// The wire protocol is close to OpenAI's Realtime API but accepts only a
// restricted session payload and has no response cancellation: barge-in is
// handled entirely on the bridge side by dropping queued output. Because
// Grok's transcription on telephone audio is weak, the language preamble is
// always prepended to the instructions.
package xai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

var _ realtime.Adapter = (*Adapter)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "grok-4-voice"
	defaultBaseURL = "wss://api.x.ai/v1/realtime"

	eventBuffer = 256
)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the default Grok model used when the agent config does not
// name one.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the base WebSocket URL for tests.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// Adapter implements realtime.Adapter for xAI Grok.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new xAI Grok Adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name returns the provider tag.
func (a *Adapter) Name() realtime.Name { return realtime.ProviderXAI }

// Capabilities returns the static capability set. SupportsCancel is false:
// Grok rejects response.cancel, so barge-in must drop audio locally.
func (a *Adapter) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		SupportsCancel: false,
		SampleRate:     24000,
		LanguageHint:   true,
	}
}

// Open establishes a new Grok realtime session configured from cfg.
func (a *Adapter) Open(ctx context.Context, cfg realtime.AgentConfig) (realtime.Session, error) {
	model := cfg.Model
	if model == "" {
		model = a.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("xai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan realtime.Event, eventBuffer),
		greeting: cfg.Greeting,
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("xai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types ─────────────────────────────────────────────────────

// sessionParams is the restricted field set Grok accepts. Sending any field
// outside this set fails the session, so the struct mirrors the documented
// payload exactly.
type sessionParams struct {
	Voice           string          `json:"voice,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
	TurnDetection   *turnDetection  `json:"turn_detection,omitempty"`
	Audio           *audioConf      `json:"audio,omitempty"`
	Tools           []xaiTool       `json:"tools,omitempty"`
	InputTranscribe *transcribeConf `json:"input_audio_transcription,omitempty"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type turnDetection struct {
	Type      string  `json:"type"`
	Threshold float64 `json:"threshold,omitempty"`
}

type audioConf struct {
	Input  formatConf `json:"input"`
	Output formatConf `json:"output"`
}

type formatConf struct {
	Format string `json:"format"`
}

type transcribeConf struct {
	Language string `json:"language,omitempty"`
}

type xaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type serverErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type responseDetail struct {
	Status string `json:"status"`
}

type serverEvent struct {
	Type       string             `json:"type"`
	Delta      string             `json:"delta,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Name       string             `json:"name,omitempty"`
	Arguments  string             `json:"arguments,omitempty"`
	CallID     string             `json:"call_id,omitempty"`
	Response   *responseDetail    `json:"response,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	events   chan realtime.Event
	greeting string

	mu           sync.Mutex
	errVal       error
	closed       bool
	greetingSent bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(cfg realtime.AgentConfig) error {
	params := sessionParams{
		Voice:        cfg.Voice,
		Instructions: realtime.Instructions(realtime.ProviderXAI, cfg.Language, cfg.Prompt),
		Audio: &audioConf{
			Input:  formatConf{Format: "pcm24"},
			Output: formatConf{Format: "pcm24"},
		},
		TurnDetection: &turnDetection{
			Type:      "server_vad",
			Threshold: cfg.VAD.Threshold,
		},
	}
	if cfg.Language != "" {
		params.InputTranscribe = &transcribeConf{Language: cfg.Language}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toXAITools(cfg.Tools)
	}

	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("xai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) receiveLoop() {
	defer s.closeChannel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.abort(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.updated":
		s.emit(realtime.Event{Kind: realtime.KindSessionReady})
		s.maybeSendGreeting()

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Kind: realtime.KindUserSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.Event{Kind: realtime.KindUserSpeechStopped})

	case "response.audio.delta":
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(realtime.Event{Kind: realtime.KindAgentAudioDelta, Audio: audioData})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.Event{Kind: realtime.KindAgentTextDelta, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Kind: realtime.KindUserTranscript, Text: evt.Transcript, Final: true})

	case "response.function_call_arguments.done":
		s.emit(realtime.Event{
			Kind: realtime.KindToolCallRequested,
			Tool: realtime.ToolCall{ID: evt.CallID, Name: evt.Name, Arguments: evt.Arguments},
		})

	case "response.done":
		// Grok carries no usable usage block; billing is on call seconds,
		// tracked by the cost accumulator from wall clock.
		done := realtime.Event{Kind: realtime.KindResponseDone}
		if evt.Response != nil {
			done.Reason = evt.Response.Status
		}
		s.emit(done)

	case "error":
		msg := "unknown error"
		fatal := false
		kind := "provider"
		if evt.Error != nil {
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			if evt.Error.Code == "rate_limit_exceeded" {
				kind = "rate_limit"
				fatal = true
			}
		}
		s.emit(realtime.Event{
			Kind: realtime.KindProviderError,
			Err:  realtime.ProviderError{Kind: kind, Message: msg, Fatal: fatal},
		})
	}
}

func (s *session) maybeSendGreeting() {
	s.mu.Lock()
	send := s.greeting != "" && !s.greetingSent
	s.greetingSent = true
	s.mu.Unlock()

	if !send {
		return
	}
	_ = s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		Response: &responseParams{Instructions: "Greet the caller with: " + s.greeting},
	})
}

func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// abort retires the session after a transport failure. The first error is
// kept for Err, and the session is marked closed so Send* return
// ErrSessionClosed: the driver drops caller frames sent into the gap while
// it reconnects, instead of failing the call.
func (s *session) abort(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *session) closeChannel() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

func toXAITools(tools []realtime.ToolDefinition) []xaiTool {
	out := make([]xaiTool, len(tools))
	for i, t := range tools {
		out[i] = xaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendUserAudio forwards 20 ms of caller PCM16 to the input audio buffer.
func (s *session) SendUserAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}); err != nil {
		// The receive loop may not have noticed the dead socket yet; report
		// the gap the same way it would.
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// SendUserText injects caller text as a conversation item.
func (s *session) SendUserText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	if err := s.writeJSON(responseCreateMessage{Type: "response.create"}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// SendToolResult returns a tool call output and triggers the next response.
func (s *session) SendToolResult(callID, resultJSON string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: resultJSON,
		},
	}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	if err := s.writeJSON(responseCreateMessage{Type: "response.create"}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// RequestCancel is a local no-op. Grok closes the session when it receives
// response.cancel, so the bridge handles barge-in by discarding queued
// output instead.
func (s *session) RequestCancel() error { return nil }

// Events returns the neutral event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, reason)
	return nil
}
