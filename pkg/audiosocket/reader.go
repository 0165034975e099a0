package audiosocket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader decodes frames from an ingress byte stream. It enforces the
// handshake rule that the first frame must be a UUID frame and validates
// audio frame lengths against their sample-rate-derived 20 ms size.
//
// Reader is not safe for concurrent use; the bridge gives each call a single
// ingress goroutine.
type Reader struct {
	br      *bufio.Reader
	started bool
	hdr     [3]byte
}

// NewReader wraps r in a buffered frame decoder.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// Next reads and validates the next frame. The first call must yield a UUID
// frame or Next fails with [ErrProtocol]. Returns io.EOF when the stream ends
// cleanly between frames.
func (r *Reader) Next() (Frame, error) {
	if _, err := io.ReadFull(r.br, r.hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("audiosocket: read header: %w", err)
	}

	t := Type(r.hdr[0])
	length := int(binary.BigEndian.Uint16(r.hdr[1:3]))
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("%w: declared length %d exceeds %d", ErrProtocol, length, MaxPayload)
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return Frame{}, fmt.Errorf("audiosocket: read payload: %w", err)
		}
	}

	f := Frame{Type: t, Payload: payload}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}

	if !r.started {
		if t != TypeUUID {
			return Frame{}, fmt.Errorf("%w: first frame is %s, want uuid", ErrProtocol, t)
		}
		if length == 0 {
			return Frame{}, fmt.Errorf("%w: uuid frame has empty payload", ErrProtocol)
		}
		r.started = true
	}

	return f, nil
}
