package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the duplex voice service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsFailed   prometheus.Counter
	SessionDuration  prometheus.Histogram
	OutboundQueueLen prometheus.Gauge

	// Streaming metrics
	FramesSent      prometheus.Counter
	SendErrors      prometheus.Counter
	ReceiveErrors   prometheus.Counter
	AudioChunksRecv prometheus.Counter
	AudioEventsSent prometheus.Counter

	// Transcript metrics
	TurnsCommitted *prometheus.CounterVec
	CommitErrors   prometheus.Counter

	// Fan-out metrics
	EventsDropped prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duplex_active_sessions",
			Help: "Current number of active duplex sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_sessions_started_total",
			Help: "Total number of sessions that reached the active state",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_sessions_failed_total",
			Help: "Total number of sessions that failed to connect or ended on a terminal error",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duplex_session_duration_seconds",
			Help:    "Duration of duplex sessions from connect to close",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		OutboundQueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duplex_outbound_queue_length",
			Help: "Frames waiting in the outbound queue, sampled by the sender",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_frames_sent_total",
			Help: "Total number of audio frames forwarded to the live session",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_send_errors_total",
			Help: "Total number of transient send failures",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_receive_errors_total",
			Help: "Total number of receive failures",
		}),
		AudioChunksRecv: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_audio_chunks_received_total",
			Help: "Total number of audio chunks received from the live session",
		}),
		AudioEventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_audio_events_sent_total",
			Help: "Total number of coalesced audio events relayed to clients",
		}),
		TurnsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duplex_turns_committed_total",
			Help: "Total number of transcript turns persisted",
		}, []string{"role"}),
		CommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_commit_errors_total",
			Help: "Total number of failed transcript commits",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_events_dropped_total",
			Help: "Total number of client events dropped because the fan-out queue was full",
		}),
	}
}
