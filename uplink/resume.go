package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"murmur/diag"
	"murmur/log"
)

// UploadResult is the normalized outcome of one segment upload. An
// idempotent conflict (HTTP 409, segment already recorded) produces the
// exact same shape as a first-time success; callers cannot tell them apart,
// which is what makes blind retries safe.
type UploadResult struct {
	Ack    uint32 `json:"ack"`
	Size   int    `json:"size"`
	Status string `json:"status"`
}

// RetryOutcome reports one pass over the unacknowledged backlog.
type RetryOutcome struct {
	Uploaded  int `json:"uploaded"`
	Remaining int `json:"remaining"`
}

// ResumeStats is a snapshot of transport counters.
type ResumeStats struct {
	Session   string `json:"session"`
	Uploaded  int    `json:"uploaded"`
	Conflicts int    `json:"conflicts"`
	Failures  int    `json:"failures"`
	Pending   int    `json:"pending"`
}

// ResumableTransport delivers segments as one HTTP request each. It is the
// fallback and batch-catch-up path: no connection state to maintain, and
// the server's conflict responses make at-least-once delivery idempotent.
type ResumableTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
	sink    diag.Sink
	tracker *Tracker

	sendCh    chan uploadItem
	done      chan struct{}
	uploadWg  sync.WaitGroup
	closeOnce sync.Once

	mu        sync.Mutex
	uploaded  int
	conflicts int
	failures  int
}

// uploadItem carries the session the segment was queued under, so the
// uploader can drop work that outlived a session switch.
type uploadItem struct {
	session string
	seq     uint32
	payload []byte
}

func NewResumable(baseURL, apiKey string, sink diag.Sink) *ResumableTransport {
	r := &ResumableTransport{
		baseURL: trimSlash(baseURL),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sink:    diag.OrNop(sink),
		tracker: NewTracker(),
		sendCh:  make(chan uploadItem, 128),
		done:    make(chan struct{}),
	}
	r.uploadWg.Add(1)
	go r.runUploader()
	return r
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Tracker exposes the transport's sequence bookkeeping.
func (r *ResumableTransport) Tracker() *Tracker {
	return r.tracker
}

// Connect binds the session. There is no persistent connection to open;
// this exists so transport selection can treat both variants alike. It
// resets the sequence counter and pending buffer for the new session.
func (r *ResumableTransport) Connect(_ context.Context, sessionID string) error {
	r.tracker.Bind(sessionID)
	return nil
}

// SetSession is Connect without the interface sugar.
func (r *ResumableTransport) SetSession(sessionID string) {
	r.tracker.Bind(sessionID)
}

// ResetSequence sets the default sequence counter back to zero.
func (r *ResumableTransport) ResetSequence() {
	r.tracker.ResetSequence()
}

// Connected always holds for the resumable transport: readiness is per
// request, not per connection.
func (r *ResumableTransport) Connected() bool {
	return r.tracker.Session() != ""
}

// Send queues a new segment for upload under the next sequence number. It
// never blocks the caller: the request runs on the uploader goroutine, and
// failures are absorbed with the segment left pending for
// RetryFailedSegments. A full queue is the same story, just sooner.
func (r *ResumableTransport) Send(payload []byte, capturedAt time.Time, duration time.Duration) {
	seg := Segment{
		Sequence:   r.tracker.Next(),
		Payload:    payload,
		CapturedAt: capturedAt,
		Duration:   duration,
	}
	r.tracker.Track(seg)
	select {
	case r.sendCh <- uploadItem{session: r.tracker.Session(), seq: seg.Sequence, payload: payload}:
	default:
	}
}

func (r *ResumableTransport) runUploader() {
	defer r.uploadWg.Done()
	for {
		select {
		case <-r.done:
			return
		case item := <-r.sendCh:
			if r.tracker.Session() != item.session {
				continue
			}
			if _, err := r.UploadSegment(context.Background(), item.seq, item.payload); err != nil {
				log.Warnf("upload seq %d failed, kept pending: %v", item.seq, err)
			}
		}
	}
}

// UploadSegment issues one request for one segment. A 409 conflict is
// normalized into success; any other non-2xx status or network failure is a
// hard error and the segment stays pending. Results of requests that
// outlive a session switch are discarded.
func (r *ResumableTransport) UploadSegment(ctx context.Context, seq uint32, payload []byte) (UploadResult, error) {
	session := r.tracker.Session()
	if session == "" {
		return UploadResult{}, ErrNoSession
	}

	url := fmt.Sprintf("%s/api/v1/sessions/%s/segments/%d", r.baseURL, session, seq)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return UploadResult{}, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.countFailure()
		return UploadResult{}, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.countFailure()
		return UploadResult{}, fmt.Errorf("reading upload response: %w", err)
	}

	var result UploadResult
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(body, &result); err != nil {
			// Tolerate a bodyless success; the local view is authoritative.
			result = UploadResult{Ack: seq, Size: len(payload), Status: "success"}
		}
		r.mu.Lock()
		r.uploaded++
		r.mu.Unlock()
	case resp.StatusCode == http.StatusConflict:
		// Already recorded on the server. Not an error, not a reason to
		// re-upload: identical to success by contract.
		result = UploadResult{Ack: seq, Size: len(payload), Status: "success"}
		r.mu.Lock()
		r.conflicts++
		r.mu.Unlock()
	default:
		r.countFailure()
		return UploadResult{}, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, body)
	}

	// Discard the outcome if the session changed while the request was in
	// flight; the pending entry it would confirm no longer exists.
	if r.tracker.Session() != session {
		return result, nil
	}
	r.tracker.Ack(seq)
	r.sink.SegmentSent(len(payload))
	r.sink.SegmentAcked()
	return result, nil
}

// RetryFailedSegments re-attempts every unacknowledged segment, ascending.
// It returns how many uploads went through and how many remain, so the
// caller can decide whether to keep polling.
func (r *ResumableTransport) RetryFailedSegments(ctx context.Context) (RetryOutcome, error) {
	if r.tracker.Session() == "" {
		return RetryOutcome{}, ErrNoSession
	}

	var outcome RetryOutcome
	for _, seg := range r.tracker.Pending() {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.UploadSegment(ctx, seg.Sequence, seg.Payload); err != nil {
			log.Warnf("retry seq %d: %v", seg.Sequence, err)
			continue
		}
		outcome.Uploaded++
	}
	outcome.Remaining = r.tracker.PendingCount()
	r.sink.RetryPass(outcome.Uploaded, outcome.Remaining)
	log.RetryOutcome(r.tracker.Session(), outcome.Uploaded, outcome.Remaining)
	return outcome, nil
}

// Close stops the uploader and releases idle connections.
func (r *ResumableTransport) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.uploadWg.Wait()
	})
	r.client.CloseIdleConnections()
	return nil
}

// Stats returns a snapshot of the transport counters.
func (r *ResumableTransport) Stats() ResumeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ResumeStats{
		Session:   r.tracker.Session(),
		Uploaded:  r.uploaded,
		Conflicts: r.conflicts,
		Failures:  r.failures,
		Pending:   r.tracker.PendingCount(),
	}
}

func (r *ResumableTransport) countFailure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}
