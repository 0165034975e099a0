package bridge_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/bridge"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/observe"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/tools"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/audiosocket"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime/mock"
)

const testCallID = "9c1b2f6a-58d4-4b11-9c0e-2a7f30d41e55"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() realtime.AgentConfig {
	return realtime.AgentConfig{
		AgentID:  "agent-7",
		Prompt:   "You are a scheduling assistant.",
		Provider: realtime.ProviderOpenAI,
		Greeting: "Hello, how can I help you today?",
	}
}

// harness runs one call against a scripted provider, with the test playing
// the PBX over the far end of a net.Pipe.
type harness struct {
	t       *testing.T
	adapter *mock.Adapter
	sess    *mock.Session
	store   *kv.Fake
	pbx     *audiosocket.Writer
	frames  chan audiosocket.Frame

	cancel   context.CancelFunc
	done     chan error
	waitOnce sync.Once
	runErr   error
}

func startCall(t *testing.T, adapter *mock.Adapter, cfg realtime.AgentConfig) *harness {
	t.Helper()

	bridgeConn, pbxConn := net.Pipe()
	in := audiosocket.NewReader(bridgeConn)
	pbx := audiosocket.NewWriter(pbxConn)

	// The server consumes the UUID frame during the handshake before it
	// builds the Call; mirror that here.
	go func() {
		_ = pbx.WriteFrame(audiosocket.Frame{Type: audiosocket.TypeUUID, Payload: []byte(testCallID)})
	}()
	if _, err := in.Next(); err != nil {
		t.Fatalf("uuid handshake: %v", err)
	}

	sess, err := adapter.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}

	store := &kv.Fake{}
	call := &bridge.Call{
		ID:      testCallID,
		Config:  cfg,
		Adapter: adapter,
		Session: sess,
		Conn:    bridgeConn,
		In:      in,
		Out:     audiosocket.NewWriter(bridgeConn),
		Store:   store,
		Tools:   tools.NewRegistry(testLogger()),
		Metrics: metrics,
		Log:     testLogger(),
	}

	frames := make(chan audiosocket.Frame, 1024)
	go pumpFrames(pbxConn, frames)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx, call) }()

	h := &harness{
		t:       t,
		adapter: adapter,
		sess:    adapter.LastSession(),
		store:   store,
		pbx:     pbx,
		frames:  frames,
		cancel:  cancel,
		done:    done,
	}
	t.Cleanup(func() {
		cancel()
		h.wait()
		bridgeConn.Close()
		pbxConn.Close()
	})
	return h
}

// pumpFrames decodes egress frames raw: the Reader cannot be reused on the
// PBX side because the first bridge-to-PBX frame is audio, not a UUID.
func pumpFrames(conn net.Conn, out chan<- audiosocket.Frame) {
	var hdr [3]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			close(out)
			return
		}
		length := int(binary.BigEndian.Uint16(hdr[1:3]))
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				close(out)
				return
			}
		}
		out <- audiosocket.Frame{Type: audiosocket.Type(hdr[0]), Payload: payload}
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	h.waitOnce.Do(func() {
		select {
		case h.runErr = <-h.done:
		case <-time.After(3 * time.Second):
			h.t.Fatal("call did not finish")
		}
	})
	return h.runErr
}

func (h *harness) sendAudio(fill byte) {
	h.t.Helper()
	if err := h.pbx.WriteAudio(24000, bytes.Repeat([]byte{fill}, 960)); err != nil {
		h.t.Fatalf("send audio: %v", err)
	}
}

func (h *harness) hangup() {
	h.t.Helper()
	if err := h.pbx.WriteHangup(); err != nil {
		h.t.Fatalf("send hangup: %v", err)
	}
}

// awaitFrame discards frames until one of the wanted type arrives.
func (h *harness) awaitFrame(typ audiosocket.Type, within time.Duration) audiosocket.Frame {
	h.t.Helper()
	deadline := time.After(within)
	for {
		select {
		case f, ok := <-h.frames:
			if !ok {
				h.t.Fatalf("egress closed while waiting for %s frame", typ)
			}
			if f.Type == typ {
				return f
			}
		case <-deadline:
			h.t.Fatalf("no %s frame within %v", typ, within)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_PBXHangupEndsCleanly(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sendAudio(0x01)
	h.hangup()

	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v; want nil on pbx hangup", err)
	}
	closed, reason := h.sess.Closed()
	if !closed || reason != "pbx_hangup" {
		t.Errorf("session closed = %v, reason %q; want pbx_hangup", closed, reason)
	}
}

func TestRun_ForwardsCallerAudioInOrder(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RecordCalls = true
	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, cfg)

	h.sendAudio(0x01)
	h.sendAudio(0x02)
	h.sendAudio(0x03)

	waitFor(t, "three forwarded chunks", func() bool {
		return len(h.sess.AudioChunks()) == 3
	})
	for i, chunk := range h.sess.AudioChunks() {
		if len(chunk) != 960 {
			t.Errorf("chunk %d is %d bytes; want 960", i, len(chunk))
		}
		if chunk[0] != byte(i+1) {
			t.Errorf("chunk %d starts with 0x%02x; want 0x%02x", i, chunk[0], i+1)
		}
	}

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
	if got := h.store.Audio(testCallID, kv.DirectionIn); len(got) != 3*960 {
		t.Errorf("recorded ingress audio = %d bytes; want %d", len(got), 3*960)
	}
}

func TestRun_PacesGreetingAudio(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	// One coalesced greeting delta; the pacer must slice it into exact
	// 20 ms frames at wall-clock rate.
	h.sess.Emit(realtime.Event{Kind: realtime.KindAgentAudioDelta, Audio: bytes.Repeat([]byte{0x42}, 3*960)})

	start := time.Now()
	for i := 0; i < 3; i++ {
		f := h.awaitFrame(audiosocket.TypeAudio24K, time.Second)
		if len(f.Payload) != 960 {
			t.Fatalf("frame %d payload = %d bytes; want 960", i, len(f.Payload))
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("3 frames in %v; want at least two tick intervals", elapsed)
	}

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_BargeInStopsAgentAudio(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000, SupportsCancel: true}}, testConfig())

	// Finish the greeting turn first so barge-in protection lifts.
	h.sess.Emit(realtime.Event{Kind: realtime.KindResponseDone})

	h.sess.Emit(realtime.Event{Kind: realtime.KindAgentAudioDelta, Audio: bytes.Repeat([]byte{0x7f}, 50*960)})
	h.awaitFrame(audiosocket.TypeAudio24K, time.Second)

	h.sess.Emit(realtime.Event{Kind: realtime.KindUserSpeechStarted})

	waitFor(t, "cancel request", func() bool { return h.sess.Cancels() == 1 })

	// Drain until the stream goes quiet; the tail must be the five-frame
	// silence pump with no stale agent audio after it.
	var tail []audiosocket.Frame
	for {
		select {
		case f := <-h.frames:
			tail = append(tail, f)
			continue
		case <-time.After(150 * time.Millisecond):
		}
		break
	}
	var silence int
	for i := len(tail) - 1; i >= 0; i-- {
		if !allZero(tail[i].Payload) {
			break
		}
		silence++
	}
	if silence != 5 {
		t.Errorf("trailing silence frames = %d; want 5", silence)
	}

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_NoCancelWhenUnsupported(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindResponseDone})
	h.sess.Emit(realtime.Event{Kind: realtime.KindAgentAudioDelta, Audio: bytes.Repeat([]byte{0x7f}, 20*960)})
	h.awaitFrame(audiosocket.TypeAudio24K, time.Second)

	h.sess.Emit(realtime.Event{Kind: realtime.KindUserSpeechStarted})

	// The pacer still parks; only the provider-side cancel is skipped.
	waitFor(t, "silence pump", func() bool {
		select {
		case f := <-h.frames:
			return f.Type.IsAudio() && allZero(f.Payload)
		default:
			return false
		}
	})
	if got := h.sess.Cancels(); got != 0 {
		t.Errorf("cancels = %d; want 0 for a provider without cancel support", got)
	}

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_GreetingProtectedFromBargeIn(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000, SupportsCancel: true}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindAgentAudioDelta, Audio: bytes.Repeat([]byte{0x42}, 10*960)})
	h.awaitFrame(audiosocket.TypeAudio24K, time.Second)

	// Caller noise before the first ResponseDone must not cancel or mute
	// the greeting.
	h.sess.Emit(realtime.Event{Kind: realtime.KindUserSpeechStarted})

	for i := 0; i < 3; i++ {
		f := h.awaitFrame(audiosocket.TypeAudio24K, time.Second)
		if allZero(f.Payload) {
			t.Fatal("greeting audio replaced by silence after early caller speech")
		}
	}
	if got := h.sess.Cancels(); got != 0 {
		t.Errorf("cancels = %d; want 0 during greeting", got)
	}

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindToolCallRequested, Tool: realtime.ToolCall{
		ID:        "call_1",
		Name:      "confirm_appointment",
		Arguments: `{"slot":"2026-09-01T10:00:00Z"}`,
	}})

	waitFor(t, "tool result", func() bool {
		_, ok := h.sess.ToolResult("call_1")
		return ok
	})
	result, _ := h.sess.ToolResult("call_1")
	if !strings.Contains(result, "saved") {
		t.Errorf("tool result = %s; want a saved status", result)
	}

	waitFor(t, "appointment event", func() bool {
		for _, ev := range h.store.Events(testCallID) {
			if strings.Contains(string(ev), "appointment_confirmation") {
				return true
			}
		}
		return false
	})

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_UnknownToolReturnsErrorPayload(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindToolCallRequested, Tool: realtime.ToolCall{
		ID:   "call_9",
		Name: "frobnicate",
	}})

	waitFor(t, "tool result", func() bool {
		_, ok := h.sess.ToolResult("call_9")
		return ok
	})
	result, _ := h.sess.ToolResult("call_9")
	if !strings.Contains(result, tools.CodeUnknown) {
		t.Errorf("tool result = %s; want %s", result, tools.CodeUnknown)
	}

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_AgentHangupAfterGoodbye(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindToolCallRequested, Tool: realtime.ToolCall{
		ID:        "call_2",
		Name:      "end_call",
		Arguments: `{"reason":"caller said goodbye"}`,
	}})
	waitFor(t, "end_call result", func() bool {
		_, ok := h.sess.ToolResult("call_2")
		return ok
	})

	// The call survives until the agent finishes its goodbye turn.
	h.sess.Emit(realtime.Event{Kind: realtime.KindResponseDone})

	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v; want nil on agent hangup", err)
	}
	h.awaitFrame(audiosocket.TypeHangup, time.Second)
	closed, reason := h.sess.Closed()
	if !closed || reason != "agent_hangup" {
		t.Errorf("session closed = %v, reason %q; want agent_hangup", closed, reason)
	}
}

func TestRun_FatalProviderErrorFailsCall(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindProviderError, Err: realtime.ProviderError{
		Kind:    "auth",
		Message: "invalid api key",
		Fatal:   true,
	}})

	if err := h.wait(); err == nil {
		t.Fatal("Run = nil; want an error on a fatal provider error")
	}
	h.awaitFrame(audiosocket.TypeHangup, time.Second)
}

func TestRun_NonFatalProviderErrorKeepsGoing(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindProviderError, Err: realtime.ProviderError{
		Kind:    "rate_limit",
		Message: "slow down",
	}})
	h.sendAudio(0x05)
	waitFor(t, "audio after non-fatal error", func() bool {
		return len(h.sess.AudioChunks()) == 1
	})

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_ReconnectsOnceWithoutGreeting(t *testing.T) {
	t.Parallel()

	adapter := &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}
	h := startCall(t, adapter, testConfig())

	// Greeting turn completes, then the transport drops.
	h.sess.Emit(realtime.Event{Kind: realtime.KindResponseDone})
	h.sess.SetErr(errors.New("websocket: close 1006"))
	h.sess.Finish()

	waitFor(t, "reconnect", func() bool { return adapter.OpenCalls() == 2 })
	second := adapter.LastSession()
	if second.Config.Greeting != "" {
		t.Errorf("reconnect greeting = %q; want empty after the greeting played", second.Config.Greeting)
	}

	// The fresh session works; caller audio flows into it. Frames sent in
	// the brief gap before the session swap are dropped, so keep sending.
	waitFor(t, "audio on fresh session", func() bool {
		h.sendAudio(0x09)
		return len(second.AudioChunks()) > 0
	})

	// A second transport loss ends the call for good.
	second.SetErr(errors.New("websocket: close 1006"))
	second.Finish()

	if err := h.wait(); err == nil {
		t.Fatal("Run = nil; want an error after losing the transport twice")
	}
	if got := adapter.OpenCalls(); got != 2 {
		t.Errorf("open calls = %d; want 2 (no second reconnect)", got)
	}
}

func TestRun_DropsCallerAudioDuringReconnectGap(t *testing.T) {
	t.Parallel()

	adapter := &mock.Adapter{
		Caps:      realtime.Capabilities{SampleRate: 24000},
		OpenDelay: 80 * time.Millisecond,
	}
	h := startCall(t, adapter, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindResponseDone})
	h.sess.SetErr(errors.New("websocket: close 1006"))
	h.sess.Finish()

	// The caller keeps talking while the replacement session is still being
	// opened. Those frames land on the dead session and must be dropped, not
	// fail the call.
	for i := 0; i < 5; i++ {
		h.sendAudio(0x0a)
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, "reconnect", func() bool { return adapter.OpenCalls() == 2 })
	second := adapter.LastSession()
	waitFor(t, "audio on fresh session", func() bool {
		h.sendAudio(0x0b)
		return len(second.AudioChunks()) > 0
	})

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v; want nil when gap audio is dropped", err)
	}
}

func TestRun_CleanProviderCloseEndsCall(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Finish()

	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v; want nil on a clean provider close", err)
	}
	if got := h.adapter.OpenCalls(); got != 1 {
		t.Errorf("open calls = %d; a clean close must not reconnect", got)
	}
}

func TestRun_DTMFForwardedAsText(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	if err := h.pbx.WriteFrame(audiosocket.Frame{Type: audiosocket.TypeDTMF, Payload: []byte{'5'}}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "dtmf text", func() bool {
		for _, txt := range h.sess.Texts() {
			if strings.Contains(txt, "5 key") {
				return true
			}
		}
		return false
	})

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_PassthroughSkipsAudioForwarding(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Provider = realtime.ProviderUltravox
	h := startCall(t, &mock.Adapter{
		ProviderName: realtime.ProviderUltravox,
		Caps:         realtime.Capabilities{AudioPassthrough: true},
	}, cfg)

	h.sendAudio(0x01)
	h.sendAudio(0x02)
	time.Sleep(50 * time.Millisecond)
	if got := len(h.sess.AudioChunks()); got != 0 {
		t.Errorf("forwarded chunks = %d; passthrough providers take no bridge audio", got)
	}

	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_EmitsCostRecordOnce(t *testing.T) {
	t.Parallel()

	h := startCall(t, &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}, testConfig())

	h.sess.Emit(realtime.Event{Kind: realtime.KindResponseDone, Usage: realtime.Usage{
		InputAudioTokens:  120,
		OutputAudioTokens: 340,
	}})
	h.sess.Emit(realtime.Event{Kind: realtime.KindResponseDone, Usage: realtime.Usage{
		InputAudioTokens:  80,
		OutputAudioTokens: 90,
	}})
	h.hangup()
	if err := h.wait(); err != nil {
		t.Fatal(err)
	}

	var costs int
	for _, ev := range h.store.Events(testCallID) {
		if strings.Contains(string(ev), `"type":"cost"`) {
			costs++
		}
	}
	if costs != 1 {
		t.Errorf("cost records = %d; want exactly 1", costs)
	}
}

func TestRun_ProtocolErrorReportsAndFails(t *testing.T) {
	t.Parallel()

	bridgeConn, pbxConn := net.Pipe()
	t.Cleanup(func() {
		bridgeConn.Close()
		pbxConn.Close()
	})

	in := audiosocket.NewReader(bridgeConn)
	pbx := audiosocket.NewWriter(pbxConn)
	go func() {
		_ = pbx.WriteFrame(audiosocket.Frame{Type: audiosocket.TypeUUID, Payload: []byte(testCallID)})
	}()
	if _, err := in.Next(); err != nil {
		t.Fatal(err)
	}

	adapter := &mock.Adapter{Caps: realtime.Capabilities{SampleRate: 24000}}
	sess, err := adapter.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}

	frames := make(chan audiosocket.Frame, 64)
	go pumpFrames(pbxConn, frames)

	done := make(chan error, 1)
	go func() {
		done <- bridge.Run(context.Background(), &bridge.Call{
			ID:      testCallID,
			Config:  testConfig(),
			Adapter: adapter,
			Session: sess,
			Conn:    bridgeConn,
			In:      in,
			Out:     audiosocket.NewWriter(bridgeConn),
			Store:   &kv.Fake{},
			Tools:   tools.NewRegistry(testLogger()),
			Metrics: metrics,
			Log:     testLogger(),
		})
	}()

	// A 24 kHz audio frame with a 10-byte payload poisons the stream.
	bogus := []byte{byte(audiosocket.TypeAudio24K), 0x00, 0x0a}
	bogus = append(bogus, make([]byte, 10)...)
	if _, err := pbxConn.Write(bogus); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run = nil; want an error on a malformed frame")
		}
		if !errors.Is(err, audiosocket.ErrProtocol) {
			t.Errorf("Run error = %v; want a protocol error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("call did not fail")
	}

	var sawError bool
	deadline := time.After(time.Second)
	for !sawError {
		select {
		case f := <-frames:
			sawError = f.Type == audiosocket.TypeError
		case <-deadline:
			t.Fatal("pbx never received an error frame")
		}
	}
}
