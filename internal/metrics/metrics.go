package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages accepted for delivery, by path",
	}, []string{"path"})
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_received_total",
		Help: "Messages surfaced to the UI, by path",
	}, []string{"path"})
	DuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_duplicates_dropped_total",
		Help: "Inbound messages dropped because their id was already delivered",
	})
	DecryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_decrypt_failures_total",
		Help: "Inbound messages that could not be decrypted",
	})
	ExpiredSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_expired_records_deleted_total",
		Help: "Mailbox records deleted because their ttl had passed",
	})
	ConnectionStates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peer_connection_state_transitions_total",
		Help: "Peer connection state transitions, by new state",
	}, []string{"state"})
	ActivePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peer_connections_open",
		Help: "Peers with an open direct channel",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		MessagesSent, MessagesReceived, DuplicatesDropped, DecryptFailures, ExpiredSwept,
		ConnectionStates, ActivePeers, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware records request counts and latency for Prometheus.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
