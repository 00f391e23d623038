package uplink

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire frame layout: [Sequence:4 big-endian][Payload:N], sent as one binary
// websocket message per segment. The server side uses the same endianness.
const FrameHeaderSize = 4

// EncodeFrame builds the binary frame for one segment.
func EncodeFrame(seq uint32, payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:FrameHeaderSize], seq)
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// DecodeFrame splits a binary frame back into sequence and payload.
func DecodeFrame(data []byte) (uint32, []byte, error) {
	if len(data) < FrameHeaderSize {
		return 0, nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d",
			FrameHeaderSize, len(data))
	}
	seq := binary.BigEndian.Uint32(data[0:FrameHeaderSize])
	payload := make([]byte, len(data)-FrameHeaderSize)
	copy(payload, data[FrameHeaderSize:])
	return seq, payload, nil
}

// Inbound control message types on the streaming socket.
const (
	ControlAck         = "ack"
	ControlUploadError = "upload_error"
	ControlEstablished = "connection_established"
)

// ControlMessage is the JSON text message the server sends back on the
// audio socket. Unrecognized types are logged by the caller, never fatal.
type ControlMessage struct {
	Type          string `json:"type"`
	ChunkSequence uint32 `json:"chunk_sequence"`
	Error         string `json:"error,omitempty"`
}

// ParseControl decodes an inbound control message.
func ParseControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("control message missing type")
	}
	return &msg, nil
}
