package uplink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"murmur/diag"
	"murmur/log"
)

const (
	streamWriteTimeout   = 10 * time.Second
	streamConnectTimeout = 15 * time.Second
	streamSendBuffer     = 128
)

// streamConn is the minimal socket surface the transport needs. Production
// uses nhooyr websockets; tests substitute an in-memory fake.
type streamConn interface {
	WriteBinary(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (streamConn, error)

// StreamStats is a snapshot of transport counters.
type StreamStats struct {
	State      string `json:"state"`
	Session    string `json:"session"`
	Sent       int    `json:"sent"`
	SentBytes  uint64 `json:"sent_bytes"`
	Acked      int    `json:"acked"`
	Resent     int    `json:"resent"`
	Pending    int    `json:"pending"`
	Reconnects int    `json:"reconnects"`
}

// StreamConfig configures a StreamTransport.
type StreamConfig struct {
	BaseURL     string        // http(s) base of the service
	MaxAttempts int           // reconnect budget per outage
	BaseDelay   time.Duration // first reconnect delay; doubles per attempt
	OnFatal     func(error)   // called once when the budget is exhausted
	Sink        diag.Sink     // optional
}

// StreamTransport delivers segments over one persistent websocket per
// session. Writes go through a buffered channel and a single sender
// goroutine, so a slow or dead socket never blocks segment capture;
// segments that could not be written stay pending and are resent after the
// next successful reconnect, ascending, before any new traffic.
type StreamTransport struct {
	baseURL     string
	maxAttempts int
	baseDelay   time.Duration
	onFatal     func(error)
	sink        diag.Sink
	tracker     *Tracker
	dial        dialFunc

	sendCh   chan Segment
	senderWg sync.WaitGroup

	mu         sync.Mutex
	state      ConnState
	conn       streamConn
	attempts   int
	closing    bool
	gen        int           // connection epoch, bumped by Connect so stale reconnect loops stand down
	done       chan struct{} // closed by Close, interrupts backoff waits and stops the sender
	sent       int
	sentBytes  uint64
	acked      int
	resent     int
	reconnects int
}

func NewStream(cfg StreamConfig) *StreamTransport {
	s := &StreamTransport{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		onFatal:     cfg.OnFatal,
		sink:        diag.OrNop(cfg.Sink),
		tracker:     NewTracker(),
		dial:        nhooyrDial,
		sendCh:      make(chan Segment, streamSendBuffer),
		state:       StateUninitialized,
		done:        make(chan struct{}),
	}
	s.senderWg.Add(1)
	go s.runSender()
	return s
}

// Tracker exposes the transport's sequence bookkeeping.
func (s *StreamTransport) Tracker() *Tracker {
	return s.tracker
}

// Connect opens the socket for the given session. It resets the sequence
// counter, the reconnect budget and the pending buffer: a new session never
// inherits state from a prior one. Returns ErrConnect on failure.
func (s *StreamTransport) Connect(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if old := s.conn; old != nil {
		s.conn = nil
		old.Close()
	}
	s.closing = false
	s.state = StateConnecting
	s.attempts = 0
	s.gen++
	s.tracker.Bind(sessionID)
	s.mu.Unlock()

	conn, err := s.dial(ctx, s.audioURL(sessionID))
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

// Send hands a new segment to the wire under the next sequence number. It
// never blocks and never fails: when the socket is down (or the send buffer
// is full) the segment simply stays pending, and delivery failure is
// observable only through the absence of an acknowledgment.
func (s *StreamTransport) Send(payload []byte, capturedAt time.Time, duration time.Duration) {
	seg := Segment{
		Sequence:   s.tracker.Next(),
		Payload:    payload,
		CapturedAt: capturedAt,
		Duration:   duration,
	}
	s.tracker.Track(seg)
	select {
	case s.sendCh <- seg:
	default:
		// Buffer full. The segment is pending; reconnect resend covers it.
	}
}

// SendSeq retransmits a payload under an explicit sequence number. The
// default counter is untouched.
func (s *StreamTransport) SendSeq(seq uint32, payload []byte) {
	seg := Segment{Sequence: seq, Payload: payload, CapturedAt: time.Now()}
	s.tracker.Track(seg)
	select {
	case s.sendCh <- seg:
	default:
	}
}

// Connected reports whether the socket is open.
func (s *StreamTransport) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// State returns the connection state.
func (s *StreamTransport) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the current reconnect attempt counter. Zero after any
// successful connection.
func (s *StreamTransport) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Stats returns a snapshot of the transport counters.
func (s *StreamTransport) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStats{
		State:      s.state.String(),
		Session:    s.tracker.Session(),
		Sent:       s.sent,
		SentBytes:  s.sentBytes,
		Acked:      s.acked,
		Resent:     s.resent,
		Pending:    s.tracker.PendingCount(),
		Reconnects: s.reconnects,
	}
}

// Close shuts the transport down for good: the socket is closed cleanly, no
// reconnection is attempted and the sender goroutine exits.
func (s *StreamTransport) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.state = StateClosing
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.senderWg.Wait()

	s.mu.Lock()
	s.state = StateClosed
	stats := StreamStats{Sent: s.sent, Acked: s.acked, Resent: s.resent, SentBytes: s.sentBytes}
	session := s.tracker.Session()
	s.mu.Unlock()
	log.UplinkStats(session, stats.Sent, stats.Acked, stats.Resent, stats.SentBytes)
	return err
}

// runSender drains the send channel until Close. The channel itself is
// never closed: a Send racing or following Close must stay a silent no-op,
// so it can always enqueue (or drop) without panicking.
func (s *StreamTransport) runSender() {
	defer s.senderWg.Done()
	for {
		select {
		case <-s.done:
			return
		case seg := <-s.sendCh:
			s.writeSegment(seg)
		}
	}
}

// writeSegment frames and transmits one segment, holding the lock so the
// reconnect resend phase and regular sends never interleave mid-frame.
// Dropped writes are not errors: the segment stays pending.
func (s *StreamTransport) writeSegment(seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
	defer cancel()
	if err := s.conn.WriteBinary(ctx, EncodeFrame(seg.Sequence, seg.Payload)); err != nil {
		log.Warnf("stream write seq %d: %v", seg.Sequence, err)
		return
	}
	s.sent++
	s.sentBytes += uint64(len(seg.Payload))
	s.sink.SegmentSent(len(seg.Payload))
}

func (s *StreamTransport) readLoop(conn streamConn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			stale := s.conn != conn
			closing := s.closing
			gen := s.gen
			if !stale && !closing {
				s.conn = nil
				s.state = StateConnecting
			}
			s.mu.Unlock()
			if stale || closing {
				return
			}
			s.reconnectLoop(gen)
			return
		}
		s.handleControl(data)
	}
}

func (s *StreamTransport) handleControl(data []byte) {
	msg, err := ParseControl(data)
	if err != nil {
		log.Warnf("stream control: %v", err)
		return
	}
	switch msg.Type {
	case ControlAck:
		if s.tracker.Ack(msg.ChunkSequence) {
			s.mu.Lock()
			s.acked++
			s.mu.Unlock()
			s.sink.SegmentAcked()
		}
	case ControlUploadError:
		// Advisory only. Resend is driven by reconnection or the recovery
		// coordinator, never by this message.
		log.Errorf("server reported upload error for seq %d: %s", msg.ChunkSequence, msg.Error)
	case ControlEstablished:
		log.Info("stream connection established")
	default:
		log.Warnf("unrecognized control message type %q", msg.Type)
	}
}

// reconnectLoop runs after an unclean closure. Delays follow
// baseDelay << (attempt-1); after maxAttempts failures it gives up and
// reports the exhaustion once. gen is the connection epoch the loop was
// started for; an explicit Connect bumps the epoch, and a loop that wakes
// up in a newer epoch exits instead of dialing a second socket for it.
func (s *StreamTransport) reconnectLoop(gen int) {
	for {
		s.mu.Lock()
		if s.closing || s.gen != gen {
			s.mu.Unlock()
			return
		}
		if s.attempts >= s.maxAttempts {
			s.state = StateClosed
			fatal := s.onFatal
			session := s.tracker.Session()
			s.mu.Unlock()
			s.sink.ReconnectExhausted()
			log.Errorf("reconnect attempts exhausted for session %s", session)
			if fatal != nil {
				fatal(ErrReconnectExhausted)
			}
			return
		}
		s.attempts++
		attempt := s.attempts
		s.reconnects++
		session := s.tracker.Session()
		done := s.done
		s.mu.Unlock()

		delay := s.baseDelay << (attempt - 1)
		s.sink.ReconnectAttempt()
		log.Reconnect(session, attempt, s.maxAttempts, delay)

		select {
		case <-time.After(delay):
		case <-done:
			return
		}

		s.mu.Lock()
		if s.closing || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), streamConnectTimeout)
		conn, err := s.dial(ctx, s.audioURL(session))
		cancel()
		if err != nil {
			log.Warnf("reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		s.mu.Lock()
		if s.closing || s.gen != gen {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		// Resend everything unconfirmed, ascending, before the state flips
		// to open: the server cannot have acknowledged what it never
		// received, and new sends must not overtake the backlog.
		for _, seg := range s.tracker.Pending() {
			ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
			err := conn.WriteBinary(ctx, EncodeFrame(seg.Sequence, seg.Payload))
			cancel()
			if err != nil {
				log.Warnf("resend seq %d: %v", seg.Sequence, err)
				break
			}
			s.resent++
			s.sink.SegmentResent()
		}
		s.state = StateOpen
		s.attempts = 0
		s.mu.Unlock()

		go s.readLoop(conn)
		return
	}
}

func (s *StreamTransport) audioURL(sessionID string) string {
	return wsBaseURL(s.baseURL) + "/ws/audio/" + sessionID
}

// wsBaseURL turns the configured http(s) base address into its websocket
// counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

type nhooyrConn struct {
	conn *websocket.Conn
}

func nhooyrDial(ctx context.Context, url string) (streamConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &nhooyrConn{conn: conn}, nil
}

func (c *nhooyrConn) WriteBinary(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *nhooyrConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *nhooyrConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
