package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/ictrl/internal/protocol/frame"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ictrl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the metrics endpoint.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ictrl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ictrl",
			Subsystem: "control",
			Name:      "sessions_active",
			Help:      "Open control sessions.",
		},
		[]string{"channel"},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ictrl",
			Subsystem: "control",
			Name:      "sessions_closed_total",
			Help:      "Closed control sessions by reason.",
		},
		[]string{"channel", "reason"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ictrl",
			Subsystem: "control",
			Name:      "frames_total",
			Help:      "Frames moved over the control channel.",
		},
		[]string{"channel", "direction"},
	)
	sendDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ictrl",
			Subsystem: "control",
			Name:      "send_deferred_total",
			Help:      "Sends left queued because the socket would block.",
		},
		[]string{"channel"},
	)
	queueRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ictrl",
			Subsystem: "control",
			Name:      "queue_rejected_total",
			Help:      "Frames dropped because the outbound queue was full.",
		},
		[]string{"channel"},
	)
	acceptPauses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ictrl",
			Subsystem: "control",
			Name:      "accept_pauses_total",
			Help:      "Times accept was paused on descriptor exhaustion.",
		},
		[]string{"channel"},
	)
	framesLive = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ictrl",
			Subsystem: "frame",
			Name:      "buffers_live",
			Help:      "Frame buffers allocated and not yet released.",
		},
		func() float64 { return float64(frame.Live()) },
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsActive, sessionsClosed, framesTotal,
			sendDeferred, queueRejected, acceptPauses, framesLive,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionOpen(channel string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(channel).Inc()
}

func RecordSessionClose(channel, reason string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(channel).Dec()
	sessionsClosed.WithLabelValues(channel, reason).Inc()
}

func RecordFrameSent(channel string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(channel, "out").Inc()
}

func RecordFrameReceived(channel string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(channel, "in").Inc()
}

func RecordSendDeferred(channel string) {
	RegisterMetrics()
	sendDeferred.WithLabelValues(channel).Inc()
}

func RecordQueueRejected(channel string) {
	RegisterMetrics()
	queueRejected.WithLabelValues(channel).Inc()
}

func RecordAcceptPause(channel string) {
	RegisterMetrics()
	acceptPauses.WithLabelValues(channel).Inc()
}
