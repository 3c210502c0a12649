package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Receive outcomes.
const (
	OutcomeDispatched  = "dispatched"
	OutcomeFeedback    = "feedback"
	OutcomeSelf        = "self"
	OutcomeUnknownType = "unknown_type"
	OutcomeMalformed   = "malformed"
	OutcomeForeign     = "foreign_channel"
)

var (
	registerOnce sync.Once

	published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitcast",
			Subsystem: "broadcast",
			Name:      "published_total",
			Help:      "Envelopes published to the network.",
		},
		[]string{"network", "type"},
	)
	received = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitcast",
			Subsystem: "broadcast",
			Name:      "received_total",
			Help:      "Inbound envelopes by outcome.",
		},
		[]string{"network", "outcome"},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitcast",
			Subsystem: "dispatch",
			Name:      "handler_failures_total",
			Help:      "Handlers that returned an error or panicked.",
		},
		[]string{"type"},
	)
	feedbackPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "unitcast",
			Subsystem: "feedback",
			Name:      "pending",
			Help:      "Outstanding feedback requests.",
		},
		[]string{"network"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitcast",
			Subsystem: "subscription",
			Name:      "reconnects_total",
			Help:      "Subscription re-establishment attempts after a failure.",
		},
		[]string{"network"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitcast",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unitcast",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			published, received, handlerFailures, feedbackPending, reconnects,
			httpRequests, httpDuration,
		)
	})
}

func RecordPublished(network, typ string) {
	RegisterMetrics()
	published.WithLabelValues(network, typ).Inc()
}

func RecordReceived(network, outcome string) {
	RegisterMetrics()
	received.WithLabelValues(network, outcome).Inc()
}

func RecordHandlerFailures(typ string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	handlerFailures.WithLabelValues(typ).Add(float64(n))
}

func SetFeedbackPending(network string, n int) {
	RegisterMetrics()
	feedbackPending.WithLabelValues(network).Set(float64(n))
}

func RecordReconnect(network string) {
	RegisterMetrics()
	reconnects.WithLabelValues(network).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
