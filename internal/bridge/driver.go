package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/observe"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/sink"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/tools"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/audiosocket"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

const (
	// noAudioTimeout ends a call whose PBX side went silent. Disabled for
	// passthrough providers, where no media crosses the bridge.
	noAudioTimeout = 60 * time.Second

	// reconnectWindow bounds the single mid-call reconnect attempt.
	reconnectWindow = 2 * time.Second

	// fallbackRate is the pacer rate when the provider does not exchange
	// audio with the bridge.
	fallbackRate = 24000
)

// Clean call endings, distinguished from failures during teardown.
var (
	errPBXHangup      = errors.New("bridge: pbx hangup")
	errAgentHangup    = errors.New("bridge: agent requested hangup")
	errProviderClosed = errors.New("bridge: provider closed session")
	errNoAudio        = errors.New("bridge: no audio for 60s")
)

// Call carries everything one accepted, identified connection needs to run.
// The server builds it after the UUID handshake and agent lookup.
type Call struct {
	ID      string
	Config  realtime.AgentConfig
	Adapter realtime.Adapter
	Session realtime.Session

	Conn net.Conn
	In   *audiosocket.Reader
	Out  *audiosocket.Writer

	Store   kv.Store
	Tools   *tools.Registry
	Metrics *observe.Metrics
	Log     *slog.Logger
}

// callControl receives hangup and transfer requests from built-in tools. The
// driver acts on them after the current response, so the agent finishes its
// goodbye first.
type callControl struct {
	log     *slog.Logger
	pending atomic.Bool
	reason  atomic.Value // string
}

func (c *callControl) RequestHangup(reason string) {
	c.reason.Store(reason)
	c.pending.Store(true)
	c.log.Info("hangup requested by agent", "reason", reason)
}

func (c *callControl) RequestTransfer(target string) {
	c.reason.Store("transfer to " + target)
	c.pending.Store(true)
	c.log.Info("transfer requested by agent", "target", target)
}

var _ tools.CallControl = (*callControl)(nil)

// sessionHolder lets the ingress task keep sending while the event task swaps
// the session during a reconnect.
type sessionHolder struct {
	mu sync.RWMutex
	s  realtime.Session
}

func (h *sessionHolder) get() realtime.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *sessionHolder) set(s realtime.Session) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}

// driver is the per-call runtime state. Created by Run, never shared across
// calls.
type driver struct {
	call *Call
	caps realtime.Capabilities
	log  *slog.Logger

	sess  *sessionHolder
	pacer *Pacer
	ctrl  *callControl
	reg   *tools.Registry

	recorder   *sink.Recorder // nil unless recording is enabled
	transcript *sink.Transcript
	cost       *sink.Cost

	// Event-task-local state.
	turn         turnTracker
	greetingDone bool
	reconnected  bool

	lastAudio atomic.Int64 // unix nanos of the last ingress audio frame

	toolWG sync.WaitGroup
}

// Run drives one call to completion. It returns nil for clean endings (PBX
// hangup, agent-requested hangup, silence timeout) and an error when the call
// died of a protocol, provider, or transport failure.
func Run(ctx context.Context, c *Call) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	caps := c.Adapter.Capabilities()
	rate := caps.SampleRate
	if rate == 0 {
		rate = fallbackRate
	}

	log := c.Log.With("call_id", c.ID, "provider", string(c.Config.Provider))

	d := &driver{
		call:       c,
		caps:       caps,
		log:        log,
		sess:       &sessionHolder{s: c.Session},
		ctrl:       &callControl{log: log},
		transcript: sink.NewTranscript(c.Store, c.ID, log),
		cost:       sink.NewCost(c.ID, c.Config.AgentID, c.Config.Provider, log),
	}
	if c.Config.RecordCalls && !caps.AudioPassthrough {
		d.recorder = sink.NewRecorder(c.Store, c.ID, log)
	}

	d.reg = c.Tools.Clone()
	tools.NewBuiltins(c.Store, c.ID, d.ctrl).RegisterAll(d.reg)

	d.pacer = NewPacer(c.Out, rate, func(pcm []byte) {
		if d.recorder != nil {
			d.recorder.Append(kv.DirectionOut, pcm)
		}
		c.Metrics.RecordFrameOut(ctx, string(c.Config.Provider))
	})

	d.lastAudio.Store(time.Now().UnixNano())

	c.Metrics.ActiveCalls.Add(ctx, 1)
	started := time.Now()
	log.Info("call started", "agent_id", c.Config.AgentID)

	g, gctx := errgroup.WithContext(ctx)

	// Unblock the ingress read as soon as any task ends the call; teardown
	// still needs the write side for the hangup frame.
	stopNudge := context.AfterFunc(gctx, func() {
		_ = c.Conn.SetReadDeadline(time.Now())
	})
	defer stopNudge()

	g.Go(func() error { return d.runIngress(gctx) })
	g.Go(func() error { return d.runEvents(gctx) })
	g.Go(func() error { return d.pacer.Run(gctx) })
	if !caps.AudioPassthrough {
		g.Go(func() error { return d.runWatchdog(gctx) })
	}

	err := g.Wait()
	cancel()
	d.toolWG.Wait()

	d.teardown(err)

	c.Metrics.ActiveCalls.Add(context.Background(), -1)
	c.Metrics.RecordCall(context.Background(), string(c.Config.Provider), time.Since(started))

	switch {
	case err == nil,
		errors.Is(err, errPBXHangup),
		errors.Is(err, errAgentHangup),
		errors.Is(err, errProviderClosed),
		errors.Is(err, errNoAudio),
		errors.Is(err, context.Canceled):
		log.Info("call ended", "duration", time.Since(started).Round(time.Millisecond), "reason", endReason(err))
		return nil
	default:
		log.Error("call failed", "duration", time.Since(started).Round(time.Millisecond), "error", err)
		return err
	}
}

func endReason(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, errPBXHangup):
		return "pbx_hangup"
	case errors.Is(err, errAgentHangup):
		return "agent_hangup"
	case errors.Is(err, errProviderClosed):
		return "provider_closed"
	case errors.Is(err, errNoAudio):
		return "no_audio"
	default:
		return "shutdown"
	}
}

// teardown closes the provider session, tells the PBX the call is over, and
// flushes every sink. Sinks get a fresh context so a cancelled call still
// delivers its cost record.
func (d *driver) teardown(cause error) {
	_ = d.sess.get().Close(endReason(cause))

	if !errors.Is(cause, errPBXHangup) {
		_ = d.call.Out.WriteHangup()
	}
	_ = d.call.Conn.SetReadDeadline(time.Time{})

	if d.recorder != nil {
		d.recorder.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.transcript.FlushAgent(ctx)
	d.cost.Emit(ctx, d.call.Store)
}

// runIngress reads PBX frames until hangup, protocol error, or cancellation.
func (d *driver) runIngress(ctx context.Context) error {
	provider := string(d.call.Config.Provider)

	for {
		f, err := d.call.In.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errPBXHangup
			}
			if errors.Is(err, audiosocket.ErrProtocol) {
				_ = d.call.Out.WriteError()
			}
			return fmt.Errorf("bridge: ingress: %w", err)
		}

		d.lastAudio.Store(time.Now().UnixNano())

		switch {
		case f.Type == audiosocket.TypeHangup:
			return errPBXHangup

		case f.Type.IsAudio():
			d.call.Metrics.RecordFrameIn(ctx, provider)
			if d.recorder != nil {
				d.recorder.Append(kv.DirectionIn, f.Payload)
			}
			if d.caps.AudioPassthrough {
				continue
			}
			if err := d.sess.get().SendUserAudio(f.Payload); err != nil {
				// A closed session means a reconnect is in progress; frames
				// arriving in the gap are dropped, not replayed.
				if errors.Is(err, realtime.ErrSessionClosed) {
					continue
				}
				return fmt.Errorf("bridge: forward audio: %w", err)
			}

		case f.Type == audiosocket.TypeDTMF:
			digit := f.Digit()
			if digit == 0 {
				continue
			}
			d.log.Debug("dtmf received", "digit", string(digit))
			if err := d.sess.get().SendUserText(fmt.Sprintf("The caller pressed the %c key on the keypad.", digit)); err != nil && !errors.Is(err, realtime.ErrSessionClosed) {
				return fmt.Errorf("bridge: forward dtmf: %w", err)
			}

		case f.Type == audiosocket.TypeError:
			return fmt.Errorf("%w: pbx reported an error", audiosocket.ErrProtocol)
		}
	}
}

// runEvents drains the provider event stream, reconnecting once if the
// transport drops mid-call.
func (d *driver) runEvents(ctx context.Context) error {
	sess := d.sess.get()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sess.Events():
			if !ok {
				next, err := d.handleStreamEnd(ctx, sess)
				if err != nil {
					return err
				}
				sess = next
				continue
			}
			if err := d.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handleStreamEnd runs the one-shot reconnect policy after the event channel
// closes. Conversational context is not replayed; the session restarts from
// its configuration, minus the greeting.
func (d *driver) handleStreamEnd(ctx context.Context, old realtime.Session) (realtime.Session, error) {
	cause := old.Err()
	if cause == nil || ctx.Err() != nil {
		return nil, errProviderClosed
	}
	if d.reconnected {
		return nil, fmt.Errorf("bridge: provider transport lost twice: %w", cause)
	}
	d.reconnected = true

	provider := string(d.call.Config.Provider)
	d.log.Warn("provider transport lost, reconnecting", "error", cause)
	d.call.Metrics.RecordProviderError(ctx, provider, "transport")

	cfg := d.call.Config
	if d.greetingDone {
		cfg.Greeting = ""
	}

	rctx, cancel := context.WithTimeout(ctx, reconnectWindow)
	defer cancel()
	next, err := d.call.Adapter.Open(rctx, cfg)
	if err != nil {
		d.call.Metrics.RecordReconnect(ctx, provider, "failed")
		return nil, fmt.Errorf("bridge: reconnect failed: %w", err)
	}
	d.call.Metrics.RecordReconnect(ctx, provider, "ok")

	d.sess.set(next)
	d.turn = turnTracker{}
	d.pacer.Resume()
	d.log.Info("provider session re-established")
	return next, nil
}

func (d *driver) handleEvent(ctx context.Context, ev realtime.Event) error {
	provider := string(d.call.Config.Provider)

	switch ev.Kind {
	case realtime.KindSessionReady:
		d.log.Debug("provider session ready")

	case realtime.KindUserSpeechStarted:
		bargeIn := d.turn.onUserSpeechStarted()
		if bargeIn && d.greetingDone {
			d.pacer.BargeIn()
			d.call.Metrics.RecordBargeIn(ctx, provider)
			d.log.Debug("barge-in, agent audio suppressed")
			if d.caps.SupportsCancel {
				if err := d.sess.get().RequestCancel(); err != nil && !errors.Is(err, realtime.ErrSessionClosed) {
					d.log.Warn("cancel request failed", "error", err)
				}
			}
		}

	case realtime.KindUserSpeechStopped:
		d.turn.onUserSpeechStopped()

	case realtime.KindAgentAudioDelta:
		d.turn.onAgentAudio()
		if err := d.pacer.Push(ctx, ev.Audio); err != nil {
			return err
		}

	case realtime.KindAgentTextDelta:
		d.transcript.AgentDelta(ev.Text)

	case realtime.KindUserTranscript:
		d.transcript.User(ctx, ev.Text, ev.Final)

	case realtime.KindToolCallRequested:
		d.turn.onToolCall()
		d.dispatchTool(ctx, ev.Tool)

	case realtime.KindResponseDone:
		d.turn.onResponseDone()
		d.cost.AddUsage(ev.Usage)
		d.transcript.FlushAgent(ctx)
		d.pacer.Resume()
		if !d.greetingDone {
			d.greetingDone = true
			d.log.Debug("greeting finished")
		}
		if d.ctrl.pending.Load() {
			return errAgentHangup
		}

	case realtime.KindProviderError:
		d.call.Metrics.RecordProviderError(ctx, provider, ev.Err.Kind)
		if ev.Err.Fatal {
			return fmt.Errorf("bridge: %w", ev.Err)
		}
		d.log.Warn("provider error", "kind", ev.Err.Kind, "message", ev.Err.Message)
	}
	return nil
}

// dispatchTool runs the handler off the event loop so agent audio keeps
// flowing while the tool executes. Results go back in completion order; the
// provider matches them by call id.
func (d *driver) dispatchTool(ctx context.Context, call realtime.ToolCall) {
	d.toolWG.Add(1)
	go func() {
		defer d.toolWG.Done()

		result := d.reg.Dispatch(ctx, call)
		status := "ok"
		if ctx.Err() != nil {
			return
		}
		if err := d.sess.get().SendToolResult(call.ID, result); err != nil {
			status = "send_failed"
			if !errors.Is(err, realtime.ErrSessionClosed) {
				d.log.Warn("tool result delivery failed", "tool", call.Name, "error", err)
			}
		}
		d.call.Metrics.RecordToolCall(ctx, call.Name, status)
	}()
}

// runWatchdog ends calls whose PBX leg stopped delivering frames.
func (d *driver) runWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := time.Unix(0, d.lastAudio.Load())
			if time.Since(last) > noAudioTimeout {
				d.log.Warn("no audio from pbx, presuming dead call")
				return errNoAudio
			}
		}
	}
}
