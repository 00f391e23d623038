package uplink

import (
	"sort"
	"sync"
)

// Tracker owns one session's sequence space: it issues increasing sequence
// numbers and holds segments that were handed to the wire but not yet
// confirmed. Duplicates on the wire are fine (the server is idempotent);
// gaps are not, so pending entries leave only on acknowledgment.
type Tracker struct {
	mu      sync.Mutex
	session string
	next    uint32
	pending map[uint32]Segment
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint32]Segment)}
}

// Bind starts a fresh session: counter back to zero, pending dropped.
// Switching sessions must not leak state from the prior one.
func (t *Tracker) Bind(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = session
	t.next = 0
	t.pending = make(map[uint32]Segment)
}

func (t *Tracker) Session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Next consumes the default sequence counter. Explicit-sequence sends go
// through Track directly and never touch it.
func (t *Tracker) Next() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.next
	t.next++
	return seq
}

// NextSequence reports the counter without consuming it.
func (t *Tracker) NextSequence() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// ResetSequence sets the counter back to zero. Session start only, never
// mid-session.
func (t *Tracker) ResetSequence() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = 0
}

// Track records a segment as awaiting confirmation.
func (t *Tracker) Track(seg Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[seg.Sequence] = seg
}

// Ack confirms a sequence and evicts it. Reports whether it was pending.
func (t *Tracker) Ack(seq uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
	}
	return ok
}

// Pending returns the unconfirmed segments in ascending sequence order.
func (t *Tracker) Pending() []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Segment, 0, len(t.pending))
	for _, seg := range t.pending {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
