package audiosocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// encodeRaw builds a wire frame without Writer validation, for feeding the
// Reader malformed input.
func encodeRaw(t Type, payload []byte) []byte {
	buf := []byte{byte(t), 0, 0}
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	return append(buf, payload...)
}

func uuidFrame(id string) []byte {
	return encodeRaw(TypeUUID, []byte(id))
}

func TestType_PayloadSize(t *testing.T) {
	tests := []struct {
		typ  Type
		want int
	}{
		{TypeAudio8K, 320},
		{TypeAudio16K, 640},
		{TypeAudio24K, 960},
		{TypeAudio48K, 1920},
		{TypeHangup, -1},
		{TypeUUID, -1},
		{TypeDTMF, -1},
	}
	for _, tt := range tests {
		if got := tt.typ.PayloadSize(); got != tt.want {
			t.Errorf("%s.PayloadSize() = %d, want %d", tt.typ, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	frames := []Frame{
		{Type: TypeUUID, Payload: []byte("6d2b4f0a-9c1e-4c9f-8d77-0f2a6f3b1c44")},
		{Type: TypeAudio24K, Payload: bytes.Repeat([]byte{0x7f, 0x00}, 480)},
		{Type: TypeDTMF, Payload: []byte("5")},
		{Type: TypeAudio8K, Payload: make([]byte, 320)},
		{Type: TypeHangup},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("frame %d: write: %v", i, err)
		}
	}

	r := NewReader(&buf)
	for i, want := range frames {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("frame %d: read: %v", i, err)
		}
		if got.Type != want.Type {
			t.Errorf("frame %d: type = %s, want %s", i, got.Type, want.Type)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d: payload mismatch (%d vs %d bytes)", i, len(got.Payload), len(want.Payload))
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("after last frame: err = %v, want io.EOF", err)
	}
}

func TestWriter_RejectsOversizedPayload(t *testing.T) {
	w := NewWriter(io.Discard)
	err := w.WriteFrame(Frame{Type: TypeUUID, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestWriter_MaxPayloadFitsLengthField(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame(Frame{Type: TypeUUID, Payload: make([]byte, MaxPayload)}); err != nil {
		t.Fatalf("write at the bound: %v", err)
	}

	// The declared length must survive the 16-bit header, not wrap to 0.
	wire := buf.Bytes()
	if got := int(binary.BigEndian.Uint16(wire[1:3])); got != MaxPayload {
		t.Fatalf("header length = %d, want %d", got, MaxPayload)
	}
	if got := len(wire); got != 3+MaxPayload {
		t.Fatalf("wire frame = %d bytes, want %d", got, 3+MaxPayload)
	}
}

func TestWriter_RejectsWrongAudioLength(t *testing.T) {
	w := NewWriter(io.Discard)
	err := w.WriteFrame(Frame{Type: TypeAudio24K, Payload: make([]byte, 959)})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestReader_RequiresUUIDFirst(t *testing.T) {
	in := encodeRaw(TypeAudio24K, make([]byte, 960))
	r := NewReader(bytes.NewReader(in))
	if _, err := r.Next(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol for missing uuid handshake", err)
	}
}

func TestReader_RejectsEmptyUUID(t *testing.T) {
	r := NewReader(bytes.NewReader(encodeRaw(TypeUUID, nil)))
	if _, err := r.Next(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol for empty uuid", err)
	}
}

func TestReader_RejectsBadAudioLength(t *testing.T) {
	var in []byte
	in = append(in, uuidFrame("a1b2")...)
	in = append(in, encodeRaw(TypeAudio16K, make([]byte, 100))...)

	r := NewReader(bytes.NewReader(in))
	if _, err := r.Next(); err != nil {
		t.Fatalf("uuid frame: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol for short audio frame", err)
	}
}

func TestReader_TruncatedPayload(t *testing.T) {
	in := uuidFrame("a1b2")
	in = append(in, encodeRaw(TypeAudio8K, make([]byte, 320))[:100]...)

	r := NewReader(bytes.NewReader(in))
	if _, err := r.Next(); err != nil {
		t.Fatalf("uuid frame: %v", err)
	}
	if _, err := r.Next(); err == nil {
		t.Fatal("want error for truncated payload, got nil")
	}
}

func TestAudioTypeForRate(t *testing.T) {
	if typ, ok := AudioTypeForRate(24000); !ok || typ != TypeAudio24K {
		t.Errorf("AudioTypeForRate(24000) = %v, %v", typ, ok)
	}
	if _, ok := AudioTypeForRate(44100); ok {
		t.Error("AudioTypeForRate(44100) should not be supported")
	}
}

func TestFrame_Digit(t *testing.T) {
	f := Frame{Type: TypeDTMF, Payload: []byte("#")}
	if got := f.Digit(); got != '#' {
		t.Errorf("Digit() = %q, want %q", got, '#')
	}
	if got := (Frame{Type: TypeHangup}).Digit(); got != 0 {
		t.Errorf("Digit() on hangup = %q, want 0", got)
	}
}
