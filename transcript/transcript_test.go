package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"murmur/uplink"
)

type fakeConn struct {
	mu      sync.Mutex
	texts   [][]byte
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) WriteText(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.texts = append(f.texts, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) serverSend(data string) {
	f.inbound <- []byte(data)
}

func (f *fakeConn) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	for i, b := range f.texts {
		out[i] = string(b)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
	urls  []string
}

func (d *fakeDialer) dial(_ context.Context, url string) (transcriptConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func newTestClient(t *testing.T, d *fakeDialer, heartbeat time.Duration) *Client {
	t.Helper()
	c := NewClient(Config{BaseURL: "http://example.test", Heartbeat: heartbeat})
	c.dial = d.dial
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientDeliversEventsToListeners(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, time.Hour)

	var mu sync.Mutex
	var got []Event
	c.AddListener("sess-1", func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	if err := c.Connect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if want := "ws://example.test/ws/transcript/sess-1"; d.urls[0] != want {
		t.Errorf("dialed %q, want %q", d.urls[0], want)
	}

	d.conns[0].serverSend(`{"type":"transcript_segment","text":"hello world","start_sequence":3,"timestamp":1714.25}`)
	waitFor(t, "event delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	e := got[0]
	if e.Text != "hello world" || e.StartSequence != 3 || e.Timestamp != 1714.25 {
		t.Errorf("event = %+v, want text/start_sequence/timestamp parsed", e)
	}
}

func TestClientHeartbeat(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, 5*time.Millisecond)

	if err := c.Connect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "two heartbeats", func() bool {
		return len(d.conns[0].sentTexts()) >= 2
	})
	for i, msg := range d.conns[0].sentTexts()[:2] {
		if msg != `{"type":"ping"}` {
			t.Errorf("heartbeat %d = %q, want ping", i, msg)
		}
	}

	c.Disconnect()
	n := len(d.conns[0].sentTexts())
	time.Sleep(30 * time.Millisecond)
	if got := len(d.conns[0].sentTexts()); got != n {
		t.Errorf("heartbeats kept flowing after Disconnect: %d -> %d", n, got)
	}
}

func TestClientIgnoresUnknownAndMalformedMessages(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, time.Hour)

	var mu sync.Mutex
	events := 0
	c.AddListener("sess-1", func(Event) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	if err := c.Connect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	d.conns[0].serverSend(`{"type":"server_notice","text":"maintenance"}`)
	d.conns[0].serverSend(`not json at all`)
	d.conns[0].serverSend(`{"type":"transcript_segment","text":"kept"}`)

	waitFor(t, "the valid event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	})
	if !c.Connected() {
		t.Error("client disconnected over ignorable messages")
	}
}

func TestListenerRegistryPerSession(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://example.test"})

	c.AddListener("sess-a", func(Event) {})
	c.AddListener("sess-a", func(Event) {})
	c.AddListener("sess-b", func(Event) {})

	if got := c.ListenerCount("sess-a"); got != 2 {
		t.Errorf("sess-a listeners = %d, want 2", got)
	}
	if got := c.ListenerCount("sess-b"); got != 1 {
		t.Errorf("sess-b listeners = %d, want 1", got)
	}
	if got := c.ListenerCount("sess-c"); got != 0 {
		t.Errorf("sess-c listeners = %d, want 0", got)
	}

	c.RemoveListeners("sess-a")
	if got := c.ListenerCount("sess-a"); got != 0 {
		t.Errorf("sess-a listeners = %d after removal, want 0", got)
	}
	if got := c.ListenerCount("sess-b"); got != 1 {
		t.Errorf("sess-b listeners = %d after removing sess-a, want 1", got)
	}
}

func TestClientConnectFailure(t *testing.T) {
	d := &fakeDialer{fail: true}
	c := newTestClient(t, d, time.Hour)

	err := c.Connect(context.Background(), "sess-1")
	if !errors.Is(err, uplink.ErrConnect) {
		t.Fatalf("Connect() error = %v, want ErrConnect", err)
	}
	if c.State() != uplink.StateClosed {
		t.Errorf("state = %v after failed connect, want closed", c.State())
	}
}

func TestClientReconnectReplacesConnection(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, time.Hour)

	if err := c.Connect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if err := c.Connect(context.Background(), "sess-2"); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	select {
	case <-d.conns[0].closed:
	default:
		t.Error("first connection left open after reconnect")
	}
	if !c.Connected() {
		t.Error("client not connected on the new socket")
	}
}

func TestClientServerClose(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, time.Hour)

	if err := c.Connect(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	d.conns[0].Close()

	waitFor(t, "state to settle", func() bool {
		return c.State() == uplink.StateClosed
	})
	if c.Connected() {
		t.Error("Connected() = true after server close")
	}
}
