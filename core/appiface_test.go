package core

import (
	"encoding/binary"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	in := Frame{Type: FrameRequest, ID: "req-1", Data: []byte(`{"zome":"posts"}`)}
	msg, err := encodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := binary.BigEndian.Uint32(msg[:4]); int(got) != len(msg)-4 {
		t.Fatalf("length header %d disagrees with body length %d", got, len(msg)-4)
	}

	out, err := decodeFrame(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != in.Type || out.ID != in.ID || string(out.Data) != string(in.Data) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestFrameDecodeRejectsBadLengthHeader(t *testing.T) {
	msg, err := encodeFrame(Frame{Type: FrameSignal, Data: []byte(`{}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg))) // overstate the length
	if _, err := decodeFrame(msg); err == nil {
		t.Fatal("a frame whose header disagrees with its payload must be rejected")
	}
	if _, err := decodeFrame([]byte{0, 1}); err == nil {
		t.Fatal("a frame shorter than its header must be rejected")
	}
}
