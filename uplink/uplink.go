// Package uplink delivers encoded audio segments to the transcription
// service. Two transports implement the same delivery contract: a streaming
// websocket transport with reconnect and resend, and a resumable per-segment
// HTTP transport whose retries lean on the server's idempotency. The
// transport is chosen once at construction.
package uplink

import (
	"errors"
	"time"
)

var (
	// ErrNoSession is returned by operations that require a bound session.
	ErrNoSession = errors.New("session not set")

	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("connect failed")

	// ErrReconnectExhausted is reported once after the reconnect budget is
	// spent. No further attempts follow; the caller decides what to do.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Segment is one self-contained unit of encoded audio. Payload carries its
// own container header and decodes without any sibling segment. Immutable
// once built.
type Segment struct {
	Sequence   uint32
	Payload    []byte
	CapturedAt time.Time
	Duration   time.Duration
}

// ConnState follows the socket lifecycle. Business logic never sets it
// directly except during teardown.
type ConnState int

const (
	StateUninitialized ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
