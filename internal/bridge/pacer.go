package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/audiosocket"
)

const (
	// frameDuration is the PBX frame cadence.
	frameDuration = 20 * time.Millisecond

	// silencePumpFrames is written after a barge-in to flush the PBX jitter
	// buffer: 5 frames, 100 ms of zero PCM.
	silencePumpFrames = 5

	// pacerQueue bounds the provider-to-pacer audio channel. A full queue
	// makes the event task wait, which is the backpressure the ingress side
	// needs.
	pacerQueue = 256
)

// pacedPCM tags queued audio with the generation it was produced in, so the
// run loop can tell pre-barge audio from audio of the response that followed.
type pacedPCM struct {
	gen uint64
	pcm []byte
}

// Pacer meters agent audio onto the PBX socket at wall-clock rate, one exact
// 20 ms frame per tick. A barge-in starts a new generation: everything
// buffered or queued under the old generation is cut, no matter how quickly
// the pacer is resumed afterwards.
type Pacer struct {
	out       *audiosocket.Writer
	rate      int
	frameSize int
	audio     chan pacedPCM
	barge     atomic.Bool
	gen       atomic.Uint64

	// onFrame observes each emitted frame payload; used for recording and
	// metrics. May be nil.
	onFrame func(pcm []byte)
}

// NewPacer creates a pacer emitting at the given sample rate.
func NewPacer(out *audiosocket.Writer, rate int, onFrame func(pcm []byte)) *Pacer {
	return &Pacer{
		out:       out,
		rate:      rate,
		frameSize: rate / 1000 * int(frameDuration.Milliseconds()) * 2,
		audio:     make(chan pacedPCM, pacerQueue),
		onFrame:   onFrame,
	}
}

// Push queues one coalesced audio delta. Blocks when the queue is full.
// Audio pushed while the pacer is parked is discarded.
//
// The generation is read before the barge flag: a barge-in racing this push
// either makes the flag check drop the delta here, or leaves it tagged with
// the old generation so the run loop drops it at the cut.
func (p *Pacer) Push(ctx context.Context, pcm []byte) error {
	gen := p.gen.Load()
	if p.barge.Load() {
		return nil
	}
	select {
	case p.audio <- pacedPCM{gen: gen, pcm: pcm}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BargeIn parks the pacer until [Pacer.Resume] and starts a new generation,
// condemning everything buffered and queued so far. Safe to call from the
// event task while Run is mid-tick; the cut survives an immediate Resume.
func (p *Pacer) BargeIn() {
	p.barge.Store(true)
	p.gen.Add(1)
}

// Resume lets the pacer emit again, once the provider has confirmed a new
// response.
func (p *Pacer) Resume() {
	p.barge.Store(false)
}

// Barged reports whether the pacer is currently parked.
func (p *Pacer) Barged() bool {
	return p.barge.Load()
}

// Run emits frames until ctx is cancelled or the egress writer fails. On
// every wakeup it first applies any pending generation change: the frame
// buffer is dropped and the silence pump written exactly once per barge-in,
// then only audio of the current generation is accepted.
func (p *Pacer) Run(ctx context.Context) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var buf []byte
	cur := p.gen.Load()

	cut := func() error {
		g := p.gen.Load()
		if g == cur {
			return nil
		}
		buf = buf[:0]
		cur = g
		return p.pumpSilence()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case a := <-p.audio:
			if err := cut(); err != nil {
				return err
			}
			if a.gen != cur {
				continue // queued before the cut
			}
			buf = append(buf, a.pcm...)

		case <-ticker.C:
			if err := cut(); err != nil {
				return err
			}
			if p.barge.Load() {
				continue
			}

			if len(buf) < p.frameSize {
				continue
			}
			frame := buf[:p.frameSize:p.frameSize]
			if err := p.out.WriteAudio(p.rate, frame); err != nil {
				return err
			}
			if p.onFrame != nil {
				p.onFrame(frame)
			}
			n := copy(buf, buf[p.frameSize:])
			buf = buf[:n]
		}
	}
}

// pumpSilence writes the post-barge-in zero frames. It never drains or
// flushes the socket; blocking here stalls the ingress reader.
func (p *Pacer) pumpSilence() error {
	silence := make([]byte, p.frameSize)
	for i := 0; i < silencePumpFrames; i++ {
		if err := p.out.WriteAudio(p.rate, silence); err != nil {
			return err
		}
	}
	return nil
}
