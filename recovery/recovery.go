// Package recovery reacts to network-restored events by draining the
// upload backlog and re-establishing the streaming connection. It does no
// polling of its own; something else decides the network is back.
package recovery

import (
	"context"
	"sync"

	"murmur/log"
	"murmur/uplink"
)

// Notifier announces that connectivity returned. Implementations watch
// whatever signal source fits the platform; tests drive a plain channel.
type Notifier interface {
	Restored() <-chan struct{}
}

// ChannelNotifier is the trivial Notifier: whoever owns the channel decides
// what "restored" means.
type ChannelNotifier struct {
	ch chan struct{}
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan struct{}, 1)}
}

// Notify signals a restore. Signals arriving while one is already queued
// collapse into it.
func (n *ChannelNotifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *ChannelNotifier) Restored() <-chan struct{} { return n.ch }

// Retrier re-uploads whatever is still pending.
type Retrier interface {
	RetryFailedSegments(ctx context.Context) (uplink.RetryOutcome, error)
}

// Streamer is the live connection worth re-establishing after an outage.
type Streamer interface {
	Connected() bool
	Connect(ctx context.Context, sessionID string) error
}

// Coordinator ties a Notifier to the two recovery actions. Both actions
// are best effort and independent: a failed retry pass does not stop the
// reconnect, and vice versa.
type Coordinator struct {
	notifier Notifier
	retrier  Retrier
	stream   Streamer
	session  string

	mu       sync.Mutex
	restores int
}

func New(notifier Notifier, retrier Retrier, stream Streamer, sessionID string) *Coordinator {
	return &Coordinator{
		notifier: notifier,
		retrier:  retrier,
		stream:   stream,
		session:  sessionID,
	}
}

// Run blocks handling restore events until ctx is cancelled. Callers run
// it in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notifier.Restored():
			c.handleRestore(ctx)
		}
	}
}

func (c *Coordinator) handleRestore(ctx context.Context) {
	c.mu.Lock()
	c.restores++
	c.mu.Unlock()
	log.Info("network restored, starting recovery")

	if c.retrier != nil {
		if outcome, err := c.retrier.RetryFailedSegments(ctx); err != nil {
			log.Warnf("recovery retry pass: %v", err)
		} else if outcome.Uploaded > 0 || outcome.Remaining > 0 {
			log.Infof("recovery uploaded %d, %d still pending", outcome.Uploaded, outcome.Remaining)
		}
	}

	if c.stream != nil && !c.stream.Connected() {
		if err := c.stream.Connect(ctx, c.session); err != nil {
			log.Warnf("recovery reconnect: %v", err)
		}
	}
}

// Restores reports how many restore events have been handled.
func (c *Coordinator) Restores() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restores
}
