// Package segmenter turns a continuous microphone capture into a stream of
// self-contained encoded segments. Every interval it closes the current
// encoder and hands the finished blob to the caller, then starts a fresh
// encoder, so each emitted segment decodes on its own regardless of what
// happened to its neighbors.
package segmenter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"murmur/audio"
	"murmur/diag"
	"murmur/encoder"
	"murmur/log"
)

var (
	ErrAlreadyRecording = errors.New("segmenter already recording")

	// ErrFailed means the segmenter hit an unrecoverable capture or encode
	// error. The state is terminal; callers create a new instance.
	ErrFailed = errors.New("segmenter failed")
)

// State is the segmenter lifecycle. Rotating is the brief window between
// closing one encoder and opening the next; PCM arriving during it is
// buffered, not dropped.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateRotating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateRotating:
		return "rotating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OnSegment receives one finished segment. capturedAt is when the
// segment's interval began; duration is its audio length.
type OnSegment func(payload []byte, capturedAt time.Time, duration time.Duration)

type Config struct {
	SampleRate int
	Interval   time.Duration
	Format     string
	Bitrate    int
}

type Segmenter struct {
	ctx    audio.Context
	device *audio.DeviceInfo
	cfg    Config
	sink   diag.Sink

	mu      sync.Mutex
	state   State
	capture audio.CaptureDevice
	lastErr error
	emitted uint32

	bufMu     sync.Mutex
	sampleBuf []int16

	blockChan  chan []int16
	workerDone chan struct{}
}

func New(ctx audio.Context, device *audio.DeviceInfo, cfg Config, sink diag.Sink) *Segmenter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Segmenter{
		ctx:    ctx,
		device: device,
		cfg:    cfg,
		sink:   diag.OrNop(sink),
	}
}

// Initialize opens the capture device. Calling it again is a no-op; device
// errors pass through so callers can match audio.ErrNoDevice.
func (s *Segmenter) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return nil
	}
	capture, err := s.ctx.NewCapture(s.device, audio.CaptureConfig{
		SampleRate: uint32(s.cfg.SampleRate),
		Channels:   encoder.Channels,
	})
	if err != nil {
		return fmt.Errorf("capture init: %w", err)
	}
	s.capture = capture
	return nil
}

// Start begins capturing and emitting segments. It resets the emitted
// counter so a new run numbers its segments from zero.
func (s *Segmenter) Start(onSegment OnSegment) error {
	if err := s.Initialize(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateCapturing || s.state == StateRotating {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	if s.state == StateFailed {
		lastErr := s.lastErr
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrFailed, lastErr)
	}

	enc, err := encoder.New(s.cfg.Format, s.cfg.SampleRate, s.cfg.Bitrate)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.state = StateCapturing
	s.lastErr = nil
	s.emitted = 0
	s.blockChan = make(chan []int16, 64)
	s.workerDone = make(chan struct{})
	capture := s.capture
	s.mu.Unlock()

	s.bufMu.Lock()
	s.sampleBuf = s.sampleBuf[:0]
	s.bufMu.Unlock()

	go s.run(enc, onSegment)

	capture.SetCallback(s.feed)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		close(s.blockChan)
		<-s.workerDone
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("capture start: %w", err)
	}
	return nil
}

// feed runs on the capture thread. It must never block on encoding, so it
// only converts bytes to samples and slices them into fixed blocks; the
// buffered channel decouples it from the encode goroutine.
func (s *Segmenter) feed(data []byte, _ uint32) {
	s.bufMu.Lock()
	for i := 0; i+1 < len(data); i += 2 {
		s.sampleBuf = append(s.sampleBuf, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	var blocks [][]int16
	for len(s.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, s.sampleBuf[:encoder.BlockSize])
		s.sampleBuf = s.sampleBuf[encoder.BlockSize:]
		blocks = append(blocks, block)
	}
	s.bufMu.Unlock()

	for _, block := range blocks {
		s.blockChan <- block
	}
}

// run owns the current encoder. Rotation happens here, between blocks, so
// no sample is ever split across a half-closed encoder.
func (s *Segmenter) run(enc encoder.Encoder, onSegment OnSegment) {
	defer close(s.workerDone)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	segStart := time.Now()
	for {
		select {
		case block, ok := <-s.blockChan:
			if !ok {
				// Stop() flushed the tail and closed the channel.
				s.emit(enc, segStart, onSegment)
				return
			}
			start := time.Now()
			if err := enc.EncodeBlock(block); err != nil {
				s.fail(fmt.Errorf("encode: %w", err))
				return
			}
			enc.AddEncodeTime(time.Since(start))
		case <-ticker.C:
			s.setState(StateRotating)
			if !s.emit(enc, segStart, onSegment) {
				return
			}
			next, err := encoder.New(s.cfg.Format, s.cfg.SampleRate, s.cfg.Bitrate)
			if err != nil {
				s.fail(fmt.Errorf("encoder rotate: %w", err))
				return
			}
			enc = next
			segStart = time.Now()
			s.setState(StateCapturing)
		}
	}
}

// emit finalizes one encoder and delivers its bytes. Intervals that saw no
// audio produce nothing. Returns false when finalizing failed.
func (s *Segmenter) emit(enc encoder.Encoder, segStart time.Time, onSegment OnSegment) bool {
	if err := enc.Close(); err != nil {
		s.fail(fmt.Errorf("encoder close: %w", err))
		return false
	}
	frames := enc.TotalFrames()
	if frames == 0 {
		return true
	}
	payload := enc.Bytes()
	dur := time.Duration(frames) * time.Second / time.Duration(s.cfg.SampleRate)

	s.mu.Lock()
	seq := s.emitted
	s.emitted++
	s.mu.Unlock()

	s.sink.SegmentEmitted(len(payload), float64(dur.Milliseconds()))
	log.SegmentEmitted(seq, len(payload), float64(dur.Milliseconds()),
		float64(enc.EncodeTime().Milliseconds()), s.cfg.Format)
	onSegment(payload, segStart, dur)
	return true
}

// fail records a terminal error and drains the block channel so the
// capture callback never wedges on a dead worker.
func (s *Segmenter) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.state = StateFailed
	s.mu.Unlock()
	log.Errorf("segmenter: %v", err)
	for range s.blockChan {
	}
}

// Stop halts capture and emits whatever the current interval holds as a
// final, shorter segment. Safe to call when idle.
func (s *Segmenter) Stop() {
	s.mu.Lock()
	if s.state == StateIdle || s.capture == nil {
		s.mu.Unlock()
		return
	}
	capture := s.capture
	s.mu.Unlock()

	capture.Stop()
	capture.ClearCallback()

	s.bufMu.Lock()
	if len(s.sampleBuf) > 0 {
		partial := make([]int16, len(s.sampleBuf))
		copy(partial, s.sampleBuf)
		s.sampleBuf = s.sampleBuf[:0]
		s.bufMu.Unlock()
		s.blockChan <- partial
	} else {
		s.bufMu.Unlock()
	}

	close(s.blockChan)
	<-s.workerDone

	s.mu.Lock()
	if s.state != StateFailed {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// Close releases the capture device. The segmenter cannot be restarted
// after Close.
func (s *Segmenter) Close() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}
}

func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the segmenter into StateFailed, if any.
func (s *Segmenter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Emitted reports how many segments the current run has produced.
func (s *Segmenter) Emitted() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

func (s *Segmenter) setState(st State) {
	s.mu.Lock()
	if s.state != StateFailed {
		s.state = st
	}
	s.mu.Unlock()
}
