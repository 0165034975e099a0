// Package audiosocket implements the TLV frame protocol the PBX uses to hand
// one call's raw PCM audio and signalling to the bridge over TCP.
//
// Each frame is `| 1 byte type | 2 bytes big-endian length | payload |`. The
// first frame on a connection must be a UUID frame carrying the call id as
// ASCII; after that the stream is 20 ms audio frames plus occasional DTMF,
// terminated by a Hangup frame from either side.
package audiosocket

import (
	"errors"
	"fmt"
)

// MaxPayload is the upper bound on a frame payload: the largest length the
// 16-bit header field can carry. Anything larger is a protocol violation and
// poisons the stream.
const MaxPayload = 0xFFFF

// FrameDuration is the fixed duration of one audio frame.
const frameMillis = 20

// Type identifies the kind of a frame.
type Type byte

const (
	// TypeHangup signals that the peer tore down the call. Empty payload.
	TypeHangup Type = 0x00

	// TypeUUID is the first frame on a connection; payload is the ASCII call id.
	TypeUUID Type = 0x01

	// TypeDTMF carries a single DTMF digit as one ASCII byte.
	TypeDTMF Type = 0x03

	// TypeAudio8K is 20 ms of PCM16 mono at 8 kHz (320 bytes).
	TypeAudio8K Type = 0x10

	// TypeAudio16K is 20 ms of PCM16 mono at 16 kHz (640 bytes).
	TypeAudio16K Type = 0x12

	// TypeAudio24K is 20 ms of PCM16 mono at 24 kHz (960 bytes).
	TypeAudio24K Type = 0x13

	// TypeAudio48K is 20 ms of PCM16 mono at 48 kHz (1920 bytes).
	TypeAudio48K Type = 0x16

	// TypeError reports a protocol error to the peer. Empty payload.
	TypeError Type = 0xFF
)

// ErrProtocol is the base error for malformed ingress frames. All decode
// failures wrap it, so callers can match with errors.Is.
var ErrProtocol = errors.New("audiosocket: protocol error")

// String returns the human-readable name of the frame type.
func (t Type) String() string {
	switch t {
	case TypeHangup:
		return "hangup"
	case TypeUUID:
		return "uuid"
	case TypeDTMF:
		return "dtmf"
	case TypeAudio8K:
		return "audio8k"
	case TypeAudio16K:
		return "audio16k"
	case TypeAudio24K:
		return "audio24k"
	case TypeAudio48K:
		return "audio48k"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(0x%02x)", byte(t))
	}
}

// IsAudio reports whether t carries PCM audio.
func (t Type) IsAudio() bool {
	switch t {
	case TypeAudio8K, TypeAudio16K, TypeAudio24K, TypeAudio48K:
		return true
	}
	return false
}

// SampleRate returns the sample rate in Hz for audio types, or 0 otherwise.
func (t Type) SampleRate() int {
	switch t {
	case TypeAudio8K:
		return 8000
	case TypeAudio16K:
		return 16000
	case TypeAudio24K:
		return 24000
	case TypeAudio48K:
		return 48000
	}
	return 0
}

// PayloadSize returns the exact payload length of a 20 ms PCM16 frame for
// audio types, or -1 for types without a fixed payload size.
func (t Type) PayloadSize() int {
	rate := t.SampleRate()
	if rate == 0 {
		return -1
	}
	// 16-bit mono: rate * 20ms * 2 bytes.
	return rate / 1000 * frameMillis * 2
}

// AudioTypeForRate returns the audio frame type matching the given sample
// rate, or false if the rate is not part of the protocol.
func AudioTypeForRate(rate int) (Type, bool) {
	switch rate {
	case 8000:
		return TypeAudio8K, true
	case 16000:
		return TypeAudio16K, true
	case 24000:
		return TypeAudio24K, true
	case 48000:
		return TypeAudio48K, true
	}
	return 0, false
}

// Frame is one decoded TLV frame.
type Frame struct {
	Type    Type
	Payload []byte
}

// CallID returns the call id carried by a UUID frame.
func (f Frame) CallID() string {
	return string(f.Payload)
}

// Digit returns the DTMF digit carried by a DTMF frame, or 0 if the payload
// is not a single byte.
func (f Frame) Digit() byte {
	if f.Type != TypeDTMF || len(f.Payload) != 1 {
		return 0
	}
	return f.Payload[0]
}

// validate checks the type/length contract shared by Reader and Writer.
func (f Frame) validate() error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrProtocol, len(f.Payload), MaxPayload)
	}
	if want := f.Type.PayloadSize(); want >= 0 && len(f.Payload) != want {
		return fmt.Errorf("%w: %s frame has %d bytes, want %d", ErrProtocol, f.Type, len(f.Payload), want)
	}
	return nil
}
