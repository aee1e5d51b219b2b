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
			Namespace: "edgesession",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"role", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgesession",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "method", "path", "status"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgesession",
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Inbound update events by classified kind.",
		},
		[]string{"kind"},
	)
	channelMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgesession",
			Subsystem: "channel",
			Name:      "malformed_total",
			Help:      "Inbound messages rejected, by failing stage.",
		},
		[]string{"stage"},
	)
	channelConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgesession",
			Subsystem: "channel",
			Name:      "connects_total",
			Help:      "Channel connect attempts by outcome.",
		},
		[]string{"outcome"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgesession",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Buffered messages across all session queues in this process.",
		},
	)
	queueOverWarn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgesession",
			Subsystem: "queue",
			Name:      "warn_depth_exceeded_total",
			Help:      "Enqueues that left a queue above its warn depth.",
		},
	)
	registryResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgesession",
			Subsystem: "registry",
			Name:      "resolutions_total",
			Help:      "Session resolutions by source (store, hint, created, conflict, error).",
		},
		[]string{"source"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgesession",
			Subsystem: "spawn",
			Name:      "launches_total",
			Help:      "Agent launches by outcome.",
		},
		[]string{"outcome"},
	)
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgesession",
			Subsystem: "spawn",
			Name:      "launch_duration_seconds",
			Help:      "Time from process start to session-started report.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			channelEvents,
			channelMalformed,
			channelConnects,
			queueDepth,
			queueOverWarn,
			registryResolutions,
			launches,
			launchDuration,
		)
	})
}

func RecordHTTPRequest(role, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(role, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(role, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordChannelEvent(kind string) {
	RegisterMetrics()
	if kind == "" {
		kind = "unknown"
	}
	channelEvents.WithLabelValues(kind).Inc()
}

func RecordMalformed(stage string) {
	RegisterMetrics()
	channelMalformed.WithLabelValues(stage).Inc()
}

func RecordConnect(success bool) {
	RegisterMetrics()
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	channelConnects.WithLabelValues(outcome).Inc()
}

// AddQueueDepth moves the process-wide queue depth gauge by delta.
func AddQueueDepth(delta int) {
	RegisterMetrics()
	queueDepth.Add(float64(delta))
}

func RecordQueueOverWarn() {
	RegisterMetrics()
	queueOverWarn.Inc()
}

func RecordResolution(source string) {
	RegisterMetrics()
	registryResolutions.WithLabelValues(source).Inc()
}

func RecordLaunch(outcome string, duration time.Duration) {
	RegisterMetrics()
	launches.WithLabelValues(outcome).Inc()
	launchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
