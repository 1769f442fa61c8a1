package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usock",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the attach surface.",
		},
		[]string{"node", "method", "path", "status"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usock",
			Subsystem: "handshake",
			Name:      "attempts_total",
			Help:      "Connection handshakes by final state and outcome.",
		},
		[]string{"state", "outcome"},
	)
	handshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "usock",
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Time from dial to connected or failed.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5},
		},
	)
	dispatchSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usock",
			Subsystem: "dispatch",
			Name:      "submitted_total",
			Help:      "Work items handed to the owner goroutine.",
		},
		[]string{"kind"},
	)
	dispatchConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usock",
			Subsystem: "dispatch",
			Name:      "consumed_total",
			Help:      "Work items executed by the owner goroutine.",
		},
		[]string{"kind"},
	)
	dispatchDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "usock",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Work items waiting for the owner goroutine.",
		},
	)
	peersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "usock",
			Subsystem: "peer",
			Name:      "connected",
			Help:      "Peers currently registered with the event loop.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			handshakes,
			handshakeDuration,
			dispatchSubmitted,
			dispatchConsumed,
			dispatchDepth,
			peersConnected,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(node, method, path, strconv.Itoa(status)).Inc()
}

func RecordHandshake(state string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "connected"
	if err != nil {
		outcome = "failed"
	}
	handshakes.WithLabelValues(state, outcome).Inc()
	handshakeDuration.Observe(duration.Seconds())
}

func RecordSubmit(kind string) {
	RegisterMetrics()
	dispatchSubmitted.WithLabelValues(kind).Inc()
	dispatchDepth.Inc()
}

func RecordConsume(kind string) {
	RegisterMetrics()
	dispatchConsumed.WithLabelValues(kind).Inc()
	dispatchDepth.Dec()
}

func RecordPeerConnected(delta int) {
	RegisterMetrics()
	peersConnected.Add(float64(delta))
}
