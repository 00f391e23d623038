package encoder

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavEncoder wraps go-audio/wav. WAV is uncompressed; it exists as the
// low-cost format when FLAC encode time matters more than upload size.
type WavEncoder struct {
	buf         seekBuffer
	enc         *wav.Encoder
	sampleRate  int
	totalFrames uint64
	encodeTime  time.Duration
	mu          sync.Mutex
}

func NewWav(sampleRate int) (*WavEncoder, error) {
	e := &WavEncoder{sampleRate: sampleRate}
	e.enc = wav.NewEncoder(&e.buf, sampleRate, BitsPerSample, Channels, 1)
	return e, nil
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data := make([]int, len(block))
	for i, s := range block {
		data[i] = int(s)
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: e.sampleRate},
		Data:           data,
		SourceBitDepth: BitsPerSample,
	}
	if err := e.enc.Write(buf); err != nil {
		return fmt.Errorf("writing wav block: %w", err)
	}
	e.totalFrames += uint64(len(block))
	return nil
}

// Close finalizes the RIFF header. The wav encoder seeks back to patch the
// chunk sizes, which is why the output buffer must be seekable.
func (e *WavEncoder) Close() error {
	return e.enc.Close()
}

func (e *WavEncoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *WavEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

func (e *WavEncoder) AddEncodeTime(d time.Duration) {
	e.mu.Lock()
	e.encodeTime += d
	e.mu.Unlock()
}

func (e *WavEncoder) EncodeTime() time.Duration {
	return e.encodeTime
}

// seekBuffer is an in-memory io.WriteSeeker for the wav encoder's
// header patching.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if b.pos+len(p) > len(b.data) {
		grown := make([]byte, b.pos+len(p))
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(b.pos) + offset
	case io.SeekEnd:
		pos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position %d", pos)
	}
	b.pos = int(pos)
	return pos, nil
}

func (b *seekBuffer) Bytes() []byte {
	return b.data
}
