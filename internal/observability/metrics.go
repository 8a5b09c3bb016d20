package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayproxy",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames read from relay sessions, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayproxy",
			Subsystem: "relay",
			Name:      "frame_errors_total",
			Help:      "Frame failures by taxonomy code.",
		},
		[]string{"code"},
	)
	editsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayproxy",
			Subsystem: "mitm",
			Name:      "edits_applied_total",
			Help:      "TLV edits applied to relayed payloads, by card brand.",
		},
		[]string{"brand"},
	)
	frameDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayproxy",
			Subsystem: "relay",
			Name:      "frame_duration_seconds",
			Help:      "Per-frame processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayproxy",
			Subsystem: "relay",
			Name:      "active_sessions",
			Help:      "Currently open relay sessions.",
		},
	)
	logDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayproxy",
			Subsystem: "relay",
			Name:      "event_log_drops_total",
			Help:      "Session events dropped from the bounded logging queue.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayproxy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"listener", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayproxy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"listener", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesProcessed, frameErrors, editsApplied, frameDuration,
			activeSessions, logDrops, httpRequests, httpDuration,
		)
	})
}

func RecordFrame(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	framesProcessed.WithLabelValues(kind, outcome).Inc()
	frameDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordFrameError(code string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(code).Inc()
}

func RecordEdits(brand string, count int) {
	RegisterMetrics()
	editsApplied.WithLabelValues(brand).Add(float64(count))
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}

func RecordLogDrop() {
	RegisterMetrics()
	logDrops.Inc()
}

func RecordHTTPRequest(listener, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(listener, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(listener, method, path, statusLabel).Observe(duration.Seconds())
}
