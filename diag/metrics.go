package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromSink implements Sink on top of Prometheus collectors.
type PromSink struct {
	SegmentsEmitted    prometheus.Counter
	EmittedBytes       prometheus.Counter
	SegmentDuration    prometheus.Histogram
	SegmentsSent       prometheus.Counter
	SentBytes          prometheus.Counter
	SegmentsAcked      prometheus.Counter
	SegmentsResent     prometheus.Counter
	Reconnects         prometheus.Counter
	ReconnectFailures  prometheus.Counter
	RetryUploads       prometheus.Counter
	RetryRemaining     prometheus.Gauge
	TranscriptEvents   prometheus.Counter
	HeartbeatsSent     prometheus.Counter
}

// NewPromSink creates and registers all collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry so repeated construction does not collide.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	factory := promauto.With(reg)
	return &PromSink{
		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_segments_emitted_total",
			Help: "Total number of audio segments produced by the segmenter",
		}),
		EmittedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_emitted_bytes_total",
			Help: "Total encoded bytes produced by the segmenter",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "murmur_segment_duration_seconds",
			Help:    "Duration of emitted audio segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		SegmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_segments_sent_total",
			Help: "Total number of segments handed to the wire",
		}),
		SentBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_sent_bytes_total",
			Help: "Total payload bytes handed to the wire",
		}),
		SegmentsAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_segments_acked_total",
			Help: "Total number of segments acknowledged by the service",
		}),
		SegmentsResent: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_segments_resent_total",
			Help: "Total number of pending segments retransmitted after reconnect",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_reconnect_attempts_total",
			Help: "Total number of streaming reconnect attempts",
		}),
		ReconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_reconnect_exhausted_total",
			Help: "Total number of times reconnect attempts were exhausted",
		}),
		RetryUploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_retry_uploads_total",
			Help: "Total number of segments uploaded by recovery retry passes",
		}),
		RetryRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "murmur_retry_remaining",
			Help: "Segments still unacknowledged after the last retry pass",
		}),
		TranscriptEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_transcript_events_total",
			Help: "Total number of transcript segments received",
		}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "murmur_heartbeats_sent_total",
			Help: "Total number of heartbeat frames sent on the transcript channel",
		}),
	}
}

func (p *PromSink) SegmentEmitted(sizeBytes int, durMs float64) {
	p.SegmentsEmitted.Inc()
	p.EmittedBytes.Add(float64(sizeBytes))
	p.SegmentDuration.Observe(durMs / 1000)
}

func (p *PromSink) SegmentSent(sizeBytes int) {
	p.SegmentsSent.Inc()
	p.SentBytes.Add(float64(sizeBytes))
}

func (p *PromSink) SegmentAcked()  { p.SegmentsAcked.Inc() }
func (p *PromSink) SegmentResent() { p.SegmentsResent.Inc() }

func (p *PromSink) ReconnectAttempt()   { p.Reconnects.Inc() }
func (p *PromSink) ReconnectExhausted() { p.ReconnectFailures.Inc() }

func (p *PromSink) RetryPass(uploaded, remaining int) {
	p.RetryUploads.Add(float64(uploaded))
	p.RetryRemaining.Set(float64(remaining))
}

func (p *PromSink) TranscriptEvent() { p.TranscriptEvents.Inc() }
func (p *PromSink) Heartbeat()       { p.HeartbeatsSent.Inc() }
