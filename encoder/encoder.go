package encoder

import (
	"fmt"
	"time"
)

const (
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

// Encoder turns 16-bit mono PCM blocks into one complete container unit.
// Every encoder instance produces exactly one self-describing blob: the
// output of Bytes() after Close() carries its own format header and decodes
// in isolation. Segment rotation therefore means a fresh Encoder per
// segment, never a flush of a long-lived one.
type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
}

// New creates an encoder for the given format identifier. bitrate is a
// kbit/s hint for lossy formats; the lossless formats ignore it.
func New(format string, sampleRate, bitrate int) (Encoder, error) {
	switch format {
	case "flac":
		return NewFlac(sampleRate)
	case "wav":
		return NewWav(sampleRate)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
