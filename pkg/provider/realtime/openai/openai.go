// Package openai implements the realtime.Adapter interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks; tool invocations and
// VAD edges are decoded into the neutral event stream. Barge-in is supported
// natively via response.cancel.
package openai

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

// Compile-time assertions that Adapter and session satisfy the realtime interfaces.
var _ realtime.Adapter = (*Adapter)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// transcribeModel is the transcription model requested for caller audio.
	transcribeModel = "whisper-1"

	eventBuffer = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the default OpenAI model used when the agent config does not
// name one.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements realtime.Adapter for OpenAI's Realtime API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Adapter with the given API key and options.
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
func (a *Adapter) Name() realtime.Name { return realtime.ProviderOpenAI }

// Capabilities returns the static capability set for OpenAI Realtime.
func (a *Adapter) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		SupportsCancel: true,
		SampleRate:     24000,
		LanguageHint:   true,
	}
}

// Open establishes a new Realtime session configured from cfg. The returned
// session emits SessionReady once the session.update is acknowledged; the
// greeting, when configured, is requested immediately after that.
func (a *Adapter) Open(ctx context.Context, cfg realtime.AgentConfig) (realtime.Session, error) {
	model := cfg.Model
	if model == "" {
		model = a.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
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
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string        `json:"modalities,omitempty"`
	Voice             string          `json:"voice,omitempty"`
	Instructions      string          `json:"instructions,omitempty"`
	Tools             []oaiTool       `json:"tools,omitempty"`
	InputAudioFormat  string          `json:"input_audio_format"`
	OutputAudioFormat string          `json:"output_audio_format"`
	TurnDetection     *turnDetection  `json:"turn_detection,omitempty"`
	InputTranscribe   *transcribeConf `json:"input_audio_transcription,omitempty"`
	NoiseReduction    *noiseReduction `json:"input_audio_noise_reduction,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	MaxOutputTokens   int             `json:"max_response_output_tokens,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
}

type transcribeConf struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
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

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type usageDetail struct {
	InputTokenDetails struct {
		TextTokens   int `json:"text_tokens"`
		AudioTokens  int `json:"audio_tokens"`
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_token_details"`
	OutputTokenDetails struct {
		TextTokens  int `json:"text_tokens"`
		AudioTokens int `json:"audio_tokens"`
	} `json:"output_token_details"`
}

type responseDetail struct {
	Status string       `json:"status"`
	Usage  *usageDetail `json:"usage,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *responseDetail `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
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

// sendSessionUpdate sends the session.update event carrying the full agent
// configuration: voice, instructions, VAD, transcription, tools, temperature.
func (s *session) sendSessionUpdate(cfg realtime.AgentConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Voice:             cfg.Voice,
		Instructions:      realtime.Instructions(realtime.ProviderOpenAI, cfg.Language, cfg.Prompt),
		Temperature:       cfg.Temperature,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		NoiseReduction:    &noiseReduction{Type: "near_field"},
		InputTranscribe:   &transcribeConf{Model: transcribeModel, Language: cfg.Language},
	}

	if cfg.VAD.Semantic {
		params.TurnDetection = &turnDetection{
			Type:      "semantic_vad",
			Eagerness: cfg.VAD.Eagerness,
		}
	} else {
		params.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VAD.Threshold,
			PrefixPaddingMs:   cfg.VAD.PrefixPaddingMs,
			SilenceDurationMs: cfg.VAD.SilenceDurationMs,
		}
	}

	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}

	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
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
		if evt.Delta == "" {
			return
		}
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
		done := realtime.Event{Kind: realtime.KindResponseDone}
		if evt.Response != nil {
			done.Reason = evt.Response.Status
			if u := evt.Response.Usage; u != nil {
				done.Usage = realtime.Usage{
					InputTextTokens:   u.InputTokenDetails.TextTokens,
					InputAudioTokens:  u.InputTokenDetails.AudioTokens,
					CachedInputTokens: u.InputTokenDetails.CachedTokens,
					OutputTextTokens:  u.OutputTokenDetails.TextTokens,
					OutputAudioTokens: u.OutputTokenDetails.AudioTokens,
				}
			}
		}
		s.emit(done)

	case "error":
		s.handleErrorEvent(evt)
	}
}

// maybeSendGreeting requests the opening utterance exactly once, after the
// session configuration is acknowledged.
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

func (s *session) handleErrorEvent(evt *serverEvent) {
	msg := "unknown error"
	kind := "provider"
	fatal := false
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		switch evt.Error.Code {
		case "rate_limit_exceeded", "rate_limit":
			kind = "rate_limit"
			fatal = true
		case "session_expired":
			kind = "transport"
			fatal = true
		}
	}
	s.emit(realtime.Event{
		Kind: realtime.KindProviderError,
		Err:  realtime.ProviderError{Kind: kind, Message: msg, Fatal: fatal},
	})
}

// emit delivers one event in order, yielding when the driver lags.
func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// abort retires the session after a transport failure. The first error is
// kept for Err, and the session is marked closed so every Send* from here on
// returns ErrSessionClosed: the driver relies on that to drop caller frames
// sent into the gap while it reconnects, instead of failing the call.
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

// toOAITools converts the neutral tool definitions to Realtime tool format.
func toOAITools(tools []realtime.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
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

	encoded := base64.StdEncoding.EncodeToString(chunk)
	if err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	}); err != nil {
		// The receive loop may not have noticed the dead socket yet; report
		// the gap the same way it would.
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// SendUserText injects caller text as a conversation item and requests a
// model response for it.
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

// RequestCancel sends a response.cancel event to stop the current response.
func (s *session) RequestCancel() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

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
