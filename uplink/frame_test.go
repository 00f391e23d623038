package uplink

import (
	"bytes"
	"testing"
)

func TestEncodeFrameLayout(t *testing.T) {
	frame := EncodeFrame(0x01020304, []byte{0xAA, 0xBB})

	want := []byte{0x01, 0x02, 0x03, 0x04, 0xAA, 0xBB}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %x, want %x", frame, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("fLaC....segment bytes")
	frame := EncodeFrame(7, payload)

	seq, got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if seq != 7 {
		t.Errorf("seq = %d, want 7", seq)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	seq, payload, err := DecodeFrame(EncodeFrame(0, nil))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if seq != 0 || len(payload) != 0 {
		t.Errorf("got seq=%d len=%d, want 0, 0", seq, len(payload))
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	if _, _, err := DecodeFrame([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestParseControl(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantSeq  uint32
		wantErr  bool
	}{
		{"ack", `{"type":"ack","chunk_sequence":12}`, ControlAck, 12, false},
		{"upload_error", `{"type":"upload_error","chunk_sequence":3,"error":"boom"}`, ControlUploadError, 3, false},
		{"established", `{"type":"connection_established"}`, ControlEstablished, 0, false},
		{"unknown type kept", `{"type":"future_thing"}`, "future_thing", 0, false},
		{"missing type", `{"chunk_sequence":1}`, "", 0, true},
		{"garbage", `not json`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseControl([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseControl: %v", err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", msg.Type, tt.wantType)
			}
			if msg.ChunkSequence != tt.wantSeq {
				t.Errorf("ChunkSequence = %d, want %d", msg.ChunkSequence, tt.wantSeq)
			}
		})
	}
}
