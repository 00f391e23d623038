package diag

// Sink receives instrumentation events from the capture and transport
// layers. It is injected explicitly; components fall back to a no-op when
// given nil, so nothing in the pipeline depends on diagnostics being wired.
type Sink interface {
	SegmentEmitted(sizeBytes int, durMs float64)
	SegmentSent(sizeBytes int)
	SegmentAcked()
	SegmentResent()
	ReconnectAttempt()
	ReconnectExhausted()
	RetryPass(uploaded, remaining int)
	TranscriptEvent()
	Heartbeat()
}

type nopSink struct{}

func (nopSink) SegmentEmitted(int, float64) {}
func (nopSink) SegmentSent(int)             {}
func (nopSink) SegmentAcked()               {}
func (nopSink) SegmentResent()              {}
func (nopSink) ReconnectAttempt()           {}
func (nopSink) ReconnectExhausted()         {}
func (nopSink) RetryPass(int, int)          {}
func (nopSink) TranscriptEvent()            {}
func (nopSink) Heartbeat()                  {}

// OrNop returns s, or a no-op sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return nopSink{}
	}
	return s
}
