package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "atc",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	creditGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atc",
			Subsystem: "ledger",
			Name:      "grants_total",
			Help:      "Credit grant attempts by reason and outcome (applied or duplicate).",
		},
		[]string{"reason", "outcome"},
	)

	creditSpends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atc",
			Subsystem: "ledger",
			Name:      "spends_total",
			Help:      "Credit spend attempts by reason and outcome.",
		},
		[]string{"reason", "outcome"},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atc",
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Webhook deliveries by provider, event type and outcome.",
		},
		[]string{"provider", "type", "outcome"},
	)

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atc",
			Subsystem: "notifications",
			Name:      "push_total",
			Help:      "Push notifications by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		creditGrants,
		creditSpends,
		webhookEvents,
		notificationsSent,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		httpInFlight.Inc()
		start := time.Now()
		c.Next()
		httpInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordGrant counts a ledger grant. applied is false for a duplicate key.
func RecordGrant(reason string, applied bool) {
	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	creditGrants.WithLabelValues(reason, outcome).Inc()
}

// RecordSpend counts a ledger spend outcome ("applied", "duplicate", "insufficient").
func RecordSpend(reason, outcome string) {
	creditSpends.WithLabelValues(reason, outcome).Inc()
}

// RecordWebhook counts a webhook delivery outcome ("processed", "replayed", "ignored", "failed").
func RecordWebhook(provider, eventType, outcome string) {
	webhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

// RecordPush counts a push notification outcome.
func RecordPush(channel string, ok bool) {
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	notificationsSent.WithLabelValues(channel, outcome).Inc()
}
