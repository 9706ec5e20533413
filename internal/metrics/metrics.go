package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ForksTotal counts fork requests by result code ("ok" on success).
	ForksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchpad_forks_total",
			Help: "Fork requests by result.",
		},
		[]string{"result"},
	)

	ForkedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "branchpad_forked_messages_total",
			Help: "Messages copied into branch conversations.",
		},
	)

	// StreamsTotal counts relayed generations by outcome.
	StreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchpad_streams_total",
			Help: "Relayed generations by outcome.",
		},
		[]string{"outcome"},
	)

	StreamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "branchpad_stream_chunks_total",
			Help: "Chunks forwarded to clients.",
		},
	)

	StreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "branchpad_stream_duration_seconds",
			Help:    "Time from relay start to terminal frame.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ForksTotal)
	prometheus.MustRegister(ForkedMessagesTotal)
	prometheus.MustRegister(StreamsTotal)
	prometheus.MustRegister(StreamChunksTotal)
	prometheus.MustRegister(StreamDuration)
}
