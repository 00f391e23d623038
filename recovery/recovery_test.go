package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"murmur/uplink"
)

type fakeRetrier struct {
	mu      sync.Mutex
	calls   int
	outcome uplink.RetryOutcome
	err     error
}

func (f *fakeRetrier) RetryFailedSegments(context.Context) (uplink.RetryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.outcome, f.err
}

func (f *fakeRetrier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStreamer struct {
	mu        sync.Mutex
	connected bool
	connects  []string
	err       error
}

func (f *fakeStreamer) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStreamer) Connect(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, sessionID)
	if f.err != nil {
		return f.err
	}
	f.connected = true
	return nil
}

func (f *fakeStreamer) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func startCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitRestores(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Restores() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d restores, have %d", n, c.Restores())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRestoreTriggersRetryAndReconnect(t *testing.T) {
	notifier := NewChannelNotifier()
	retrier := &fakeRetrier{outcome: uplink.RetryOutcome{Uploaded: 3}}
	stream := &fakeStreamer{}
	c := New(notifier, retrier, stream, "sess-1")
	startCoordinator(t, c)

	notifier.Notify()
	waitRestores(t, c, 1)

	if retrier.callCount() != 1 {
		t.Errorf("retry passes = %d, want 1", retrier.callCount())
	}
	if stream.connectCount() != 1 {
		t.Fatalf("connects = %d, want 1", stream.connectCount())
	}
	if stream.connects[0] != "sess-1" {
		t.Errorf("reconnected session = %q, want sess-1", stream.connects[0])
	}
}

func TestRestoreSkipsConnectWhenAlreadyConnected(t *testing.T) {
	notifier := NewChannelNotifier()
	stream := &fakeStreamer{connected: true}
	c := New(notifier, &fakeRetrier{}, stream, "sess-1")
	startCoordinator(t, c)

	notifier.Notify()
	waitRestores(t, c, 1)

	if stream.connectCount() != 0 {
		t.Errorf("connects = %d for an already-open stream, want 0", stream.connectCount())
	}
}

// A failed retry pass must not stop the reconnect, and a failed reconnect
// must not poison later restores.
func TestRestoreActionsAreIndependent(t *testing.T) {
	notifier := NewChannelNotifier()
	retrier := &fakeRetrier{err: errors.New("server unreachable")}
	stream := &fakeStreamer{err: errors.New("dial refused")}
	c := New(notifier, retrier, stream, "sess-1")
	startCoordinator(t, c)

	notifier.Notify()
	waitRestores(t, c, 1)
	if stream.connectCount() != 1 {
		t.Fatalf("connects = %d after failed retry, want 1", stream.connectCount())
	}

	stream.mu.Lock()
	stream.err = nil
	stream.mu.Unlock()

	notifier.Notify()
	waitRestores(t, c, 2)
	if stream.connectCount() != 2 {
		t.Errorf("connects = %d after second restore, want 2", stream.connectCount())
	}
	if retrier.callCount() != 2 {
		t.Errorf("retry passes = %d, want 2", retrier.callCount())
	}
}

func TestRestoreWithNoStream(t *testing.T) {
	notifier := NewChannelNotifier()
	retrier := &fakeRetrier{}
	c := New(notifier, retrier, nil, "sess-1")
	startCoordinator(t, c)

	notifier.Notify()
	waitRestores(t, c, 1)

	if retrier.callCount() != 1 {
		t.Errorf("retry passes = %d, want 1", retrier.callCount())
	}
}

func TestNotifyCoalescesWhileBusy(t *testing.T) {
	n := NewChannelNotifier()
	n.Notify()
	n.Notify()
	n.Notify()

	select {
	case <-n.Restored():
	default:
		t.Fatal("no queued restore event")
	}
	select {
	case <-n.Restored():
		t.Error("burst of notifies queued more than one event")
	default:
	}
}
