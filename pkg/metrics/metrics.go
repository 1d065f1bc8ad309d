// Package metrics registers the Prometheus collectors for the swap router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersCreated counts accepted swap orders.
var OrdersCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "swapd_orders_created_total",
		Help: "Total number of swap orders accepted",
	},
)

// OrdersTerminal counts orders reaching a terminal state, by outcome.
var OrdersTerminal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swapd_orders_terminal_total",
		Help: "Total number of orders reaching a terminal state",
	},
	[]string{"status"},
)

// Job queue metrics
var (
	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swapd_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swapd_jobs_retried_total",
			Help: "Total number of job attempts scheduled for retry",
		},
	)

	JobsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swapd_jobs_dead_lettered_total",
			Help: "Total number of jobs parked after exhausting retries",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapd_queue_depth",
			Help: "Number of jobs currently pending in the queue",
		},
	)
)

// QuoteLatency records the observed latency of venue quote fetches.
var QuoteLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "swapd_quote_latency_seconds",
		Help:    "Latency in seconds of individual venue quote fetches",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"venue"},
)

// WSConnections gauges the live websocket subscriber count.
var WSConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "swapd_ws_connections",
		Help: "Number of open websocket order streams",
	},
)

func init() {
	prometheus.MustRegister(OrdersCreated, OrdersTerminal)
	prometheus.MustRegister(JobsCompleted, JobsRetried, JobsDeadLettered, QueueDepth)
	prometheus.MustRegister(QuoteLatency, WSConnections)
}
