// Package ultravox implements the realtime.Adapter interface for Ultravox.
//
// Ultravox is the odd one out among the supported providers: the media path
// is SIP-native and never traverses the bridge. The PBX dialplan connects
// the caller's μ-law leg directly to Ultravox, and the bridge keeps only a
// control WebSocket for transcripts, agent state and client tool
// invocations. SendUserAudio is therefore a no-op and AudioPassthrough is
// set in the capability table so the driver skips audio forwarding.
//
// A session is created in two steps: a REST POST to /api/calls returns a
// joinUrl, and the data WebSocket is dialed on that URL.
package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

var _ realtime.Adapter = (*Adapter)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultBaseURL = "https://api.ultravox.ai"

	createTimeout = 10 * time.Second
	eventBuffer   = 256
)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the REST base URL for tests.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for call creation.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// Adapter implements realtime.Adapter for Ultravox.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Ultravox Adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: createTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name returns the provider tag.
func (a *Adapter) Name() realtime.Name { return realtime.ProviderUltravox }

// Capabilities returns the static capability set. AudioPassthrough means the
// bridge must not forward caller audio; the μ-law 8 kHz SIP leg never reaches
// us, so SampleRate is zero per the interface contract.
func (a *Adapter) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		SupportsCancel:   false,
		AudioPassthrough: true,
		SampleRate:       0,
		LanguageHint:     false,
	}
}

// ── REST call creation ─────────────────────────────────────────────────────────

type createCallRequest struct {
	SystemPrompt         string                `json:"systemPrompt,omitempty"`
	Voice                string                `json:"voice,omitempty"`
	Temperature          float64               `json:"temperature,omitempty"`
	FirstSpeakerSettings *firstSpeakerSettings `json:"firstSpeakerSettings,omitempty"`
	SelectedTools        []selectedTool        `json:"selectedTools,omitempty"`
	Medium               map[string]any        `json:"medium,omitempty"`
}

type firstSpeakerSettings struct {
	Agent *agentFirstSpeaker `json:"agent,omitempty"`
	User  *json.RawMessage   `json:"user,omitempty"`
}

type agentFirstSpeaker struct {
	Text string `json:"text,omitempty"`
}

type selectedTool struct {
	TemporaryTool temporaryTool `json:"temporaryTool"`
}

type temporaryTool struct {
	ModelToolName  string           `json:"modelToolName"`
	Description    string           `json:"description,omitempty"`
	DynamicParams  []dynamicParam   `json:"dynamicParameters,omitempty"`
	ClientToolImpl *json.RawMessage `json:"client,omitempty"`
}

type dynamicParam struct {
	Name     string         `json:"name"`
	Location string         `json:"location"`
	Schema   map[string]any `json:"schema,omitempty"`
	Required bool           `json:"required,omitempty"`
}

type createCallResponse struct {
	CallID  string `json:"callId"`
	JoinURL string `json:"joinUrl"`
}

var clientImpl = json.RawMessage(`{}`)

// Open creates an Ultravox call via REST and dials its data WebSocket.
func (a *Adapter) Open(ctx context.Context, cfg realtime.AgentConfig) (realtime.Session, error) {
	req := createCallRequest{
		SystemPrompt: realtime.Instructions(realtime.ProviderUltravox, cfg.Language, cfg.Prompt),
		Voice:        cfg.Voice,
		Temperature:  cfg.Temperature,
		Medium:       map[string]any{"sip": map[string]any{}},
	}
	if cfg.Greeting != "" {
		req.FirstSpeakerSettings = &firstSpeakerSettings{
			Agent: &agentFirstSpeaker{Text: cfg.Greeting},
		}
	}
	for _, t := range cfg.Tools {
		req.SelectedTools = append(req.SelectedTools, selectedTool{
			TemporaryTool: temporaryTool{
				ModelToolName:  t.Name,
				Description:    t.Description,
				DynamicParams:  toDynamicParams(t.Parameters),
				ClientToolImpl: &clientImpl,
			},
		})
	}

	created, err := a.createCall(ctx, &req)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, created.JoinURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ultravox: dial data socket: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		callID: created.CallID,
		events: make(chan realtime.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	go sess.receiveLoop()

	return sess, nil
}

func (a *Adapter) createCall(ctx context.Context, req *createCallRequest) (*createCallResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ultravox: marshal call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/calls", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ultravox: build call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ultravox: create call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ultravox: create call: status %d: %s", resp.StatusCode, data)
	}

	var created createCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("ultravox: decode call response: %w", err)
	}
	if created.JoinURL == "" {
		return nil, fmt.Errorf("ultravox: create call: empty joinUrl")
	}
	return &created, nil
}

// toDynamicParams flattens a JSON-schema object into Ultravox's per-parameter
// declaration list.
func toDynamicParams(schema map[string]any) []dynamicParam {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]dynamicParam, 0, len(props))
	for name, p := range props {
		ps, _ := p.(map[string]any)
		params = append(params, dynamicParam{
			Name:     name,
			Location: "PARAMETER_LOCATION_BODY",
			Schema:   ps,
			Required: required[name],
		})
	}
	return params
}

// ── Data socket messages ───────────────────────────────────────────────────────

type dataMessage struct {
	Type string `json:"type"`

	// transcript
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`
	Final bool   `json:"final,omitempty"`

	// state
	State string `json:"state,omitempty"`

	// client_tool_invocation
	ToolName     string         `json:"toolName,omitempty"`
	InvocationID string         `json:"invocationId,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

type clientToolResult struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocationId"`
	Result       string `json:"result,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type inputTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	callID string
	events chan realtime.Event

	mu       sync.Mutex
	errVal   error
	closed   bool
	ready    bool
	speaking bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ultravox: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads data messages and maps them onto the neutral stream. It
// owns the events channel and closes it when it exits.
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

		var msg dataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.handleDataMessage(&msg)
	}
}

func (s *session) handleDataMessage(msg *dataMessage) {
	switch msg.Type {
	case "state":
		s.handleState(msg.State)

	case "transcript":
		text := msg.Text
		if text == "" {
			text = msg.Delta
		}
		if text == "" {
			return
		}
		switch msg.Role {
		case "agent":
			s.emit(realtime.Event{Kind: realtime.KindAgentTextDelta, Text: text})
		case "user":
			s.emit(realtime.Event{Kind: realtime.KindUserTranscript, Text: text, Final: msg.Final})
		}

	case "client_tool_invocation":
		argsJSON, err := json.Marshal(msg.Parameters)
		if err != nil {
			argsJSON = []byte("{}")
		}
		s.emit(realtime.Event{
			Kind: realtime.KindToolCallRequested,
			Tool: realtime.ToolCall{ID: msg.InvocationID, Name: msg.ToolName, Arguments: string(argsJSON)},
		})

	case "error":
		s.emit(realtime.Event{
			Kind: realtime.KindProviderError,
			Err:  realtime.ProviderError{Kind: "provider", Message: msg.Text},
		})
	}
}

// handleState maps Ultravox agent state transitions onto turn events. The
// first state message doubles as session readiness.
func (s *session) handleState(state string) {
	s.mu.Lock()
	first := !s.ready
	s.ready = true
	wasSpeaking := s.speaking
	s.speaking = state == "speaking"
	s.mu.Unlock()

	if first {
		s.emit(realtime.Event{Kind: realtime.KindSessionReady})
	}

	switch state {
	case "listening":
		if wasSpeaking {
			s.emit(realtime.Event{Kind: realtime.KindResponseDone, Reason: "completed"})
		}
	case "thinking":
		s.emit(realtime.Event{Kind: realtime.KindUserSpeechStopped})
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
// ErrSessionClosed instead of raw socket errors.
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

// SendUserAudio is a no-op: the caller's media leg goes to Ultravox over SIP
// and never traverses the bridge.
func (s *session) SendUserAudio([]byte) error { return nil }

// SendUserText injects caller text (DTMF digits, typically) into the call.
func (s *session) SendUserText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.writeJSON(inputTextMessage{Type: "input_text_message", Text: text}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// SendToolResult answers a client tool invocation.
func (s *session) SendToolResult(callID, resultJSON string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.writeJSON(clientToolResult{
		Type:         "client_tool_result",
		InvocationID: callID,
		Result:       resultJSON,
	}); err != nil {
		s.abort(err)
		return realtime.ErrSessionClosed
	}
	return nil
}

// RequestCancel is a no-op: interruption is handled on the SIP media path,
// out of band from the bridge.
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
