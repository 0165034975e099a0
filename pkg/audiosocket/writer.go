package audiosocket

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Writer encodes frames onto an egress byte stream. Each frame is assembled
// into a single buffer and handed to the underlying writer in one Write call,
// so a frame is never split mid-payload across system writes.
//
// Writer is safe for concurrent use; the pacer and the shutdown path may both
// emit frames.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

// NewWriter wraps w in a frame encoder.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, buf: make([]byte, 0, 3+1920)}
}

// WriteFrame validates and emits f.
func (w *Writer) WriteFrame(f Frame) error {
	if err := f.validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = w.buf[:0]
	w.buf = append(w.buf, byte(f.Type))
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(f.Payload)))
	w.buf = append(w.buf, f.Payload...)

	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("audiosocket: write %s frame: %w", f.Type, err)
	}
	return nil
}

// WriteAudio emits one 20 ms PCM16 payload using the audio type for rate.
func (w *Writer) WriteAudio(rate int, pcm []byte) error {
	t, ok := AudioTypeForRate(rate)
	if !ok {
		return fmt.Errorf("%w: no audio frame type for %d Hz", ErrProtocol, rate)
	}
	return w.WriteFrame(Frame{Type: t, Payload: pcm})
}

// WriteHangup tells the peer the call is over.
func (w *Writer) WriteHangup() error {
	return w.WriteFrame(Frame{Type: TypeHangup})
}

// WriteError reports a protocol error to the peer before the socket closes.
func (w *Writer) WriteError() error {
	return w.WriteFrame(Frame{Type: TypeError})
}
