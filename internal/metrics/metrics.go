package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_total",
			Help: "Outbox messages lifecycle counter by stage and priority",
		},
		[]string{"stage", "priority"}, // enqueued|claimed|sent|retry|failed|released|reaped , urgent|high|low
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_batches_total",
			Help: "Dispatched batches by priority and result",
		},
		[]string{"priority", "result"}, // ok|bus_error|store_error|circuit_open
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_size",
			Help:    "Messages per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"priority"},
	)

	DispatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_dispatch_duration_seconds",
			Help:    "Bus send plus store marking per batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority"},
	)

	PollResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_poll_results_total",
			Help: "Poll cycles by result",
		},
		[]string{"result"}, // claimed|empty|store_error|not_leader
	)

	PermanentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_permanent_failures_total",
			Help: "Messages moved to the terminal failed state",
		},
		[]string{"message_type"},
	)

	Leader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_poll_master",
			Help: "1 while this instance holds the poll-master lease",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal,
		BatchesTotal,
		BatchSize,
		DispatchSeconds,
		PollResults,
		PermanentFailures,
		Leader,
	)
}
