package segmenter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"murmur/audio"
)

// manualCapture lets tests push PCM into the segmenter callback directly,
// with no feeder goroutine and no timing of its own.
type manualCapture struct {
	mu       sync.Mutex
	cb       audio.DataCallback
	started  bool
	startErr error
}

func (m *manualCapture) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *manualCapture) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

func (m *manualCapture) Close() {}

func (m *manualCapture) SetCallback(cb audio.DataCallback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

func (m *manualCapture) ClearCallback() {
	m.mu.Lock()
	m.cb = nil
	m.mu.Unlock()
}

func (m *manualCapture) feed(samples []int16) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb == nil {
		return
	}
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	cb(data, uint32(len(samples)))
}

type manualContext struct {
	capture *manualCapture
	initErr error
	inits   int
}

func (c *manualContext) Devices() ([]audio.DeviceInfo, error) { return nil, nil }
func (c *manualContext) Close()                               {}

func (c *manualContext) NewCapture(*audio.DeviceInfo, audio.CaptureConfig) (audio.CaptureDevice, error) {
	c.inits++
	if c.initErr != nil {
		return nil, c.initErr
	}
	return c.capture, nil
}

type collected struct {
	payload  []byte
	duration time.Duration
}

type collector struct {
	mu   sync.Mutex
	segs []collected
}

func (c *collector) onSegment(payload []byte, _ time.Time, duration time.Duration) {
	c.mu.Lock()
	c.segs = append(c.segs, collected{payload: payload, duration: duration})
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segs)
}

func (c *collector) all() []collected {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]collected, len(c.segs))
	copy(out, c.segs)
	return out
}

func testConfig(interval time.Duration) Config {
	return Config{SampleRate: 16000, Interval: interval, Format: "wav"}
}

func synthSamples(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16((i % 400) * 50)
	}
	return samples
}

// decodeFrames proves a payload is self-contained by decoding it from its
// own bytes alone and returning the sample count it carries.
func decodeFrames(t *testing.T, payload []byte) int {
	t.Helper()
	dec := wav.NewDecoder(bytes.NewReader(payload))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decoding segment: %v", err)
	}
	return len(buf.Data)
}

func waitForSegments(t *testing.T, c *collector, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d segments, have %d", n, c.count())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSegmenterRotationPreservesAllSamples(t *testing.T) {
	capture := &manualCapture{}
	s := New(&manualContext{capture: capture}, nil, testConfig(40*time.Millisecond), nil)
	var c collector
	if err := s.Start(c.onSegment); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Two bursts with a rotation between them.
	first := synthSamples(6000)
	capture.feed(first)
	waitForSegments(t, &c, 1)
	second := synthSamples(5000)
	capture.feed(second)
	s.Stop()

	segs := c.all()
	if len(segs) < 2 {
		t.Fatalf("got %d segments, want at least 2", len(segs))
	}
	total := 0
	for i, seg := range segs {
		n := decodeFrames(t, seg.payload)
		if n == 0 {
			t.Errorf("segment %d decoded to zero samples", i)
		}
		total += n
	}
	if want := len(first) + len(second); total != want {
		t.Errorf("decoded %d samples across segments, want %d (nothing lost at the seam)", total, want)
	}
	if s.State() != StateIdle {
		t.Errorf("state after Stop = %v, want idle", s.State())
	}
}

func TestSegmenterStopEmitsFinalPartialSegment(t *testing.T) {
	capture := &manualCapture{}
	s := New(&manualContext{capture: capture}, nil, testConfig(time.Hour), nil)
	var c collector
	if err := s.Start(c.onSegment); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	samples := synthSamples(3000)
	capture.feed(samples)
	s.Stop()

	segs := c.all()
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want exactly 1 from Stop", len(segs))
	}
	if n := decodeFrames(t, segs[0].payload); n != len(samples) {
		t.Errorf("final segment has %d samples, want %d", n, len(samples))
	}
	wantDur := time.Duration(len(samples)) * time.Second / 16000
	if segs[0].duration != wantDur {
		t.Errorf("duration = %v, want %v", segs[0].duration, wantDur)
	}
}

func TestSegmenterSilentIntervalsProduceNothing(t *testing.T) {
	capture := &manualCapture{}
	s := New(&manualContext{capture: capture}, nil, testConfig(20*time.Millisecond), nil)
	var c collector
	if err := s.Start(c.onSegment); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Several intervals pass with no audio at all.
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	if got := c.count(); got != 0 {
		t.Errorf("got %d segments from silence, want 0", got)
	}
}

func TestSegmenterStartWhileRecording(t *testing.T) {
	capture := &manualCapture{}
	s := New(&manualContext{capture: capture}, nil, testConfig(time.Hour), nil)
	var c collector
	if err := s.Start(c.onSegment); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Start(c.onSegment); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRecording", err)
	}
}

func TestSegmenterRestartResetsCounter(t *testing.T) {
	capture := &manualCapture{}
	s := New(&manualContext{capture: capture}, nil, testConfig(time.Hour), nil)
	var c collector

	if err := s.Start(c.onSegment); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	capture.feed(synthSamples(2000))
	s.Stop()
	if got := s.Emitted(); got != 1 {
		t.Fatalf("emitted = %d after first run, want 1", got)
	}

	if err := s.Start(c.onSegment); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if got := s.Emitted(); got != 0 {
		t.Errorf("emitted = %d after restart, want 0", got)
	}
	s.Stop()
}

func TestSegmenterInitializeIdempotent(t *testing.T) {
	ctx := &manualContext{capture: &manualCapture{}}
	s := New(ctx, nil, testConfig(time.Hour), nil)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if ctx.inits != 1 {
		t.Errorf("device opened %d times, want 1", ctx.inits)
	}
}

func TestSegmenterDeviceErrorPassesThrough(t *testing.T) {
	wrapped := fmt.Errorf("%w: backend refused", audio.ErrNoDevice)
	s := New(&manualContext{initErr: wrapped}, nil, testConfig(time.Hour), nil)

	err := s.Start(func([]byte, time.Time, time.Duration) {})
	if !errors.Is(err, audio.ErrNoDevice) {
		t.Errorf("Start() error = %v, want audio.ErrNoDevice in the chain", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v after failed start, want idle", s.State())
	}
}

func TestSegmenterUnknownFormat(t *testing.T) {
	cfg := testConfig(time.Hour)
	cfg.Format = "ogg"
	s := New(&manualContext{capture: &manualCapture{}}, nil, cfg, nil)

	if err := s.Start(func([]byte, time.Time, time.Duration) {}); err == nil {
		t.Error("Start() error = nil for unknown format, want error")
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateIdle:      "idle",
		StateCapturing: "capturing",
		StateRotating:  "rotating",
		StateFailed:    "failed",
		State(42):      "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestSegmenterFailedStateIsTerminal(t *testing.T) {
	capture := &manualCapture{}
	s := New(&manualContext{capture: capture}, nil, testConfig(time.Hour), nil)

	s.mu.Lock()
	s.state = StateFailed
	s.lastErr = errors.New("device lost")
	s.mu.Unlock()

	err := s.Start(func([]byte, time.Time, time.Duration) {})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("Start() error = %v, want ErrFailed", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v after rejected restart, want failed", s.State())
	}
	if s.Err() == nil {
		t.Error("Err() = nil, want the original failure preserved")
	}
}
