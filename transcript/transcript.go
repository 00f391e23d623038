// Package transcript receives recognized text back from the service over a
// second websocket, separate from the audio uplink so a slow transcript
// reader can never back-pressure segment delivery.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"murmur/diag"
	"murmur/log"
	"murmur/uplink"
)

const (
	writeTimeout          = 10 * time.Second
	defaultHeartbeatEvery = 15 * time.Second
)

// EventTranscript is the inbound message type carrying recognized text.
const EventTranscript = "transcript_segment"

// Event is one transcript message from the service. StartSequence ties the
// text back to the first audio segment it covers.
type Event struct {
	Type          string  `json:"type"`
	Text          string  `json:"text"`
	StartSequence uint32  `json:"start_sequence"`
	Timestamp     float64 `json:"timestamp"`
}

// Listener receives transcript events for one session.
type Listener func(Event)

type transcriptConn interface {
	WriteText(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (transcriptConn, error)

type Config struct {
	BaseURL   string
	Heartbeat time.Duration // ping interval while open; defaulted when zero
	Sink      diag.Sink
}

// Client maintains the transcript socket for at most one session at a time
// and fans received events out to the listeners registered for it.
type Client struct {
	baseURL   string
	heartbeat time.Duration
	sink      diag.Sink
	dial      dialFunc

	mu         sync.Mutex
	state      uplink.ConnState
	conn       transcriptConn
	session    string
	stopPing   chan struct{}
	events     int
	heartbeats int

	listenersMu sync.Mutex
	listeners   map[string][]Listener
}

func NewClient(cfg Config) *Client {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = defaultHeartbeatEvery
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		heartbeat: hb,
		sink:      diag.OrNop(cfg.Sink),
		dial:      nhooyrDial,
		state:     uplink.StateUninitialized,
		listeners: make(map[string][]Listener),
	}
}

// AddListener registers a callback for the given session's events.
// Registration is independent of connection state.
func (c *Client) AddListener(sessionID string, fn Listener) {
	c.listenersMu.Lock()
	c.listeners[sessionID] = append(c.listeners[sessionID], fn)
	c.listenersMu.Unlock()
}

// RemoveListeners drops every listener registered for the session.
func (c *Client) RemoveListeners(sessionID string) {
	c.listenersMu.Lock()
	delete(c.listeners, sessionID)
	c.listenersMu.Unlock()
}

// ListenerCount reports how many listeners the session has.
func (c *Client) ListenerCount(sessionID string) int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners[sessionID])
}

// Connect opens the transcript socket for a session, replacing any
// previous connection. Events start flowing to the session's listeners and
// a heartbeat ping keeps the connection alive.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if old := c.conn; old != nil {
		c.conn = nil
		old.Close()
	}
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.state = uplink.StateConnecting
	c.session = sessionID
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.transcriptURL(sessionID))
	if err != nil {
		c.mu.Lock()
		c.state = uplink.StateClosed
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", uplink.ErrConnect, err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.state = uplink.StateOpen
	c.stopPing = stop
	c.mu.Unlock()

	go c.readLoop(conn, sessionID)
	go c.pingLoop(conn, stop)
	return nil
}

// Disconnect closes the socket without touching the listener registry, so
// a later Connect for the same session resumes delivery.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.state = uplink.StateClosed
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether the transcript socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == uplink.StateOpen
}

// State returns the connection state.
func (c *Client) State() uplink.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats reports event and heartbeat counters for diagnostics.
func (c *Client) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"state":      c.state.String(),
		"session":    c.session,
		"events":     c.events,
		"heartbeats": c.heartbeats,
	}
}

func (c *Client) readLoop(conn transcriptConn, sessionID string) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				if c.stopPing != nil {
					close(c.stopPing)
					c.stopPing = nil
				}
				c.state = uplink.StateClosed
			}
			c.mu.Unlock()
			return
		}
		c.handleMessage(data, sessionID)
	}
}

func (c *Client) handleMessage(data []byte, sessionID string) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Warnf("transcript message: %v", err)
		return
	}
	if event.Type != EventTranscript {
		log.Warnf("unrecognized transcript message type %q", event.Type)
		return
	}

	c.mu.Lock()
	c.events++
	c.mu.Unlock()
	c.sink.TranscriptEvent()
	log.TranscriptText(event.Text)

	c.listenersMu.Lock()
	listeners := make([]Listener, len(c.listeners[sessionID]))
	copy(listeners, c.listeners[sessionID])
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// pingLoop sends {"type":"ping"} on the heartbeat interval until the
// connection it belongs to goes away.
func (c *Client) pingLoop(conn transcriptConn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	ping := []byte(`{"type":"ping"}`)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := conn.WriteText(ctx, ping)
			cancel()
			if err != nil {
				log.Warnf("transcript heartbeat: %v", err)
				return
			}
			c.mu.Lock()
			c.heartbeats++
			c.mu.Unlock()
			c.sink.Heartbeat()
		}
	}
}

func (c *Client) transcriptURL(sessionID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/transcript/" + sessionID
}

type nhooyrConn struct {
	conn *websocket.Conn
}

func nhooyrDial(ctx context.Context, url string) (transcriptConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &nhooyrConn{conn: conn}, nil
}

func (c *nhooyrConn) WriteText(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *nhooyrConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *nhooyrConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
