// Package gemini implements the realtime.Adapter interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks inside
// realtimeInput messages. Gemini performs its own activity detection, so
// barge-in is signalled by the server through serverContent.interrupted; the
// bridge may additionally send an activityEnd marker to cut a response short.
//
// Gemini Live sessions idle-close without traffic, so the session runs a
// ping keepalive alongside the receive loop.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

var _ realtime.Adapter = (*Adapter)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the default Gemini model used when the agent config does not
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

// Adapter implements realtime.Adapter for Gemini Live.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Adapter with the given API key and options.
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
func (a *Adapter) Name() realtime.Name { return realtime.ProviderGemini }

// Capabilities returns the static capability set. LanguageHint is false:
// Gemini Live rejects languageCode in the Bidi setup, so the language field
// only affects voice selection upstream.
func (a *Adapter) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		SupportsCancel: true,
		SampleRate:     24000,
		LanguageHint:   false,
	}
}

// Open establishes a new Gemini Live session configured from cfg.
func (a *Adapter) Open(ctx context.Context, cfg realtime.AgentConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		a.baseURL, a.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = a.model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan realtime.Event, eventBuffer),
		greeting: cfg.Greeting,
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSetup(model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

// setupConfig intentionally has no languageCode field. Gemini Live fails the
// setup when one is present.
type setupConfig struct {
	Model               string              `json:"model"`
	GenerationConfig    generationConfig    `json:"generationConfig"`
	SystemInstruction   *systemInstruction  `json:"systemInstruction,omitempty"`
	Tools               []geminiTool        `json:"tools,omitempty"`
	RealtimeInputConfig realtimeInputConfig `json:"realtimeInputConfig"`
	InputTranscription  *json.RawMessage    `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *json.RawMessage    `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
	Temperature        float64       `json:"temperature,omitempty"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	Disabled bool `json:"disabled"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk     `json:"mediaChunks,omitempty"`
	ActivityEnd *json.RawMessage `json:"activityEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	UsageMetadata *usageMetadata   `json:"usageMetadata,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type usageMetadata struct {
	PromptTokenCount       int                  `json:"promptTokenCount"`
	ResponseTokenCount     int                  `json:"responseTokenCount"`
	CachedContentTokens    int                  `json:"cachedContentTokenCount"`
	PromptTokensDetails    []modalityTokenCount `json:"promptTokensDetails,omitempty"`
	ResponseTokensDetails  []modalityTokenCount `json:"responseTokensDetails,omitempty"`
	TotalTokenCount        int                  `json:"totalTokenCount"`
	ToolUsePromptTokens    int                  `json:"toolUsePromptTokenCount"`
	ThoughtsTokenCount     int                  `json:"thoughtsTokenCount"`
	CandidatesTokenDetails []modalityTokenCount `json:"candidatesTokensDetails,omitempty"`
}

type modalityTokenCount struct {
	Modality   string `json:"modality"`
	TokenCount int    `json:"tokenCount"`
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
	usage        realtime.Usage    // accumulated until the next turnComplete
	pendingCalls map[string]string // tool call id -> function name
	done         chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var emptyObject = json.RawMessage(`{}`)

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg realtime.AgentConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
				Temperature:        cfg.Temperature,
				MaxOutputTokens:    cfg.MaxOutputTokens,
			},
			RealtimeInputConfig: realtimeInputConfig{
				AutomaticActivityDetection: automaticActivityDetection{Disabled: false},
			},
			InputTranscription:  &emptyObject,
			OutputTranscription: &emptyObject,
		},
	}

	if instr := realtime.Instructions(realtime.ProviderGemini, cfg.Language, cfg.Prompt); instr != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: instr}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.emit(realtime.Event{Kind: realtime.KindSessionReady})
		s.maybeSendGreeting()
	}
	if msg.Error != nil {
		s.handleError(msg.Error)
	}
	if msg.UsageMetadata != nil {
		s.recordUsage(msg.UsageMetadata)
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *session) handleError(ge *geminiError) {
	msg := "unknown error"
	if ge.Message != "" {
		msg = ge.Message
	}
	kind := "provider"
	fatal := false
	if ge.Code == 429 || ge.Status == "RESOURCE_EXHAUSTED" {
		kind = "rate_limit"
		fatal = true
	}
	s.emit(realtime.Event{
		Kind: realtime.KindProviderError,
		Err:  realtime.ProviderError{Kind: kind, Message: msg, Fatal: fatal},
	})
}

func (s *session) handleServerContent(sc *serverContent) {
	// Interrupted means the server's activity detection heard the caller talk
	// over the model. It doubles as the speech-onset edge.
	if sc.Interrupted {
		s.emit(realtime.Event{Kind: realtime.KindUserSpeechStarted})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				s.emit(realtime.Event{Kind: realtime.KindAgentAudioDelta, Audio: audioData})
			}
			if p.Text != "" {
				s.emit(realtime.Event{Kind: realtime.KindAgentTextDelta, Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(realtime.Event{
			Kind:  realtime.KindUserTranscript,
			Text:  sc.InputTranscription.Text,
			Final: true,
		})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(realtime.Event{Kind: realtime.KindAgentTextDelta, Text: sc.OutputTranscription.Text})
	}

	if sc.TurnComplete {
		s.mu.Lock()
		usage := s.usage
		s.usage = realtime.Usage{}
		s.mu.Unlock()
		s.emit(realtime.Event{Kind: realtime.KindResponseDone, Usage: usage, Reason: "completed"})
	}
}

// recordUsage folds a usageMetadata message into the usage snapshot reported
// with the next turnComplete.
func (s *session) recordUsage(um *usageMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage.CachedInputTokens += um.CachedContentTokens
	for _, d := range um.PromptTokensDetails {
		switch d.Modality {
		case "AUDIO":
			s.usage.InputAudioTokens += d.TokenCount
		default:
			s.usage.InputTextTokens += d.TokenCount
		}
	}
	for _, d := range um.ResponseTokensDetails {
		switch d.Modality {
		case "AUDIO":
			s.usage.OutputAudioTokens += d.TokenCount
		default:
			s.usage.OutputTextTokens += d.TokenCount
		}
	}
	// Some model versions report only flat counts.
	if len(um.PromptTokensDetails) == 0 {
		s.usage.InputTextTokens += um.PromptTokenCount
	}
	if len(um.ResponseTokensDetails) == 0 {
		s.usage.OutputAudioTokens += um.ResponseTokenCount
	}
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		argsJSON, err := json.Marshal(fc.Args)
		if err != nil {
			continue
		}
		s.mu.Lock()
		if s.pendingCalls == nil {
			s.pendingCalls = make(map[string]string)
		}
		s.pendingCalls[fc.ID] = fc.Name
		s.mu.Unlock()
		s.emit(realtime.Event{
			Kind: realtime.KindToolCallRequested,
			Tool: realtime.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: string(argsJSON)},
		})
	}
}

// maybeSendGreeting injects the opening utterance as a user turn exactly
// once, after setupComplete.
func (s *session) maybeSendGreeting() {
	s.mu.Lock()
	send := s.greeting != "" && !s.greetingSent
	s.greetingSent = true
	greeting := s.greeting
	s.mu.Unlock()

	if !send {
		return
	}
	_ = s.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []part{{Text: "Greet the caller with: " + greeting}},
			}},
			TurnComplete: true,
		},
	})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
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
// it reconnects, instead of failing the call. The keepalive loop stops
// through the cancelled context.
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

// ── Session methods ────────────────────────────────────────────────────────────

// SendUserAudio delivers 20 ms of caller PCM16 as a realtimeInput media chunk.
func (s *session) SendUserAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	if err := s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=24000", Data: encoded},
			},
		},
	}); err != nil {
		// The receive loop may not have noticed the dead socket yet; report
		// the gap the same way it would.
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// SendUserText injects caller text as a completed user turn.
func (s *session) SendUserText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []part{{Text: text}},
			}},
			TurnComplete: true,
		},
	}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// SendToolResult returns a tool call output as a functionResponse.
func (s *session) SendToolResult(callID, resultJSON string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	name := s.pendingCalls[callID]
	delete(s.pendingCalls, callID)
	s.mu.Unlock()

	// Gemini wants a JSON object; wrap plain strings.
	var respObj map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &respObj); err != nil {
		respObj = map[string]any{"output": resultJSON}
	}

	if err := s.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: callID, Name: name, Response: respObj},
			},
		},
	}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// RequestCancel sends an activityEnd marker, which cuts the in-flight model
// turn the same way detected caller speech would.
func (s *session) RequestCancel() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityEnd: &emptyObject},
	}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
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
	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, reason)
	return nil
}
