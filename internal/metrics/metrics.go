package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket metrics for the push channel.
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "efsec_websocket_connections",
			Help: "Number of active push WebSocket connections",
		},
		[]string{"server_id"},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_websocket_messages_total",
			Help: "Total number of push notifications sent over WebSocket",
		},
		[]string{"server_id", "direction"},
	)

	// Message metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_messages_total",
			Help: "Total number of encrypted messages sent",
		},
		[]string{"type"}, // direct, group
	)

	MessageDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "efsec_message_delivery_latency_seconds",
			Help:    "Time between envelope enqueue and client ack, in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
		[]string{"delivery_type"}, // immediate, offline
	)

	DecryptFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_decrypt_failures_total",
			Help: "Total number of failed decrypt attempts, by error kind",
		},
		[]string{"type", "kind"}, // type: direct, group
	)

	// Authentication metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_auth_attempts_total",
			Help: "Total number of bearer-token authentication attempts",
		},
		[]string{"result"}, // success, failure
	)

	// API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "efsec_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Pre-key metrics (SKR one-time prekey pool)
	PreKeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "efsec_prekeys_remaining",
			Help: "Number of unused one-time prekeys remaining per user",
		},
		[]string{"user_id"},
	)

	PreKeysReplenished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "efsec_prekeys_replenished_total",
			Help: "Total number of one-time prekey batches replenished",
		},
	)

	// X3DH handshake metrics
	X3DHHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_x3dh_handshakes_total",
			Help: "Total number of X3DH handshakes performed",
		},
		[]string{"role", "result"}, // role: initiator, responder
	)

	// Group (Megolm) session metrics
	GroupRekeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_group_rekeys_total",
			Help: "Total number of group session rekeys",
		},
		[]string{"reason"}, // member_left, member_added, rotation
	)

	GroupKeyFanOutLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "efsec_group_key_fanout_latency_seconds",
			Help:    "Time to fan out a group session key to all members",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to 10s
		},
	)

	KeyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_group_key_requests_total",
			Help: "Total number of group key recovery requests",
		},
		[]string{"result"}, // served, unknown_index, unrecoverable
	)

	// Relay (ephemeral ciphertext) metrics
	EnvelopesRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efsec_envelopes_relayed_total",
			Help: "Total number of ciphertext envelopes enqueued in the relay",
		},
		[]string{"kind"}, // direct, group
	)

	EnvelopesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "efsec_envelopes_expired_total",
			Help: "Total number of relay envelopes that expired unread",
		},
	)

	// Cluster topology metrics, fed by the Consul service watch.
	ClusterPeersHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "efsec_cluster_peers_healthy",
			Help: "Number of healthy e2ee-server peers currently registered in Consul",
		},
	)
)

// MetricsMiddleware wraps HTTP handlers with request count and latency metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordMessageSent records a sent message metric.
func RecordMessageSent(messageType string) {
	MessagesTotal.WithLabelValues(messageType).Inc()
}

// RecordDeliveryLatency records message delivery latency.
func RecordDeliveryLatency(deliveryType string, latency time.Duration) {
	MessageDeliveryLatency.WithLabelValues(deliveryType).Observe(latency.Seconds())
}

// RecordDecryptFailure records a failed decrypt attempt by error kind.
func RecordDecryptFailure(messageType, kind string) {
	DecryptFailuresTotal.WithLabelValues(messageType, kind).Inc()
}

// RecordAuthAttempt records a bearer-token authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	AuthAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordX3DHHandshake records an X3DH handshake outcome.
func RecordX3DHHandshake(role string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	X3DHHandshakesTotal.WithLabelValues(role, result).Inc()
}

// RecordGroupRekey records a group session rekey and its trigger.
func RecordGroupRekey(reason string) {
	GroupRekeysTotal.WithLabelValues(reason).Inc()
}

// RecordGroupKeyFanOut records how long a group rekey took to reach every member.
func RecordGroupKeyFanOut(latency time.Duration) {
	GroupKeyFanOutLatency.Observe(latency.Seconds())
}

// RecordKeyRequest records the outcome of a group key recovery request.
func RecordKeyRequest(result string) {
	KeyRequestsTotal.WithLabelValues(result).Inc()
}

// RecordEnvelopeRelayed records an envelope being enqueued in the relay.
func RecordEnvelopeRelayed(kind string) {
	EnvelopesRelayedTotal.WithLabelValues(kind).Inc()
}

// RecordEnvelopeExpired records a relay envelope expiring unread.
func RecordEnvelopeExpired() {
	EnvelopesExpiredTotal.Inc()
}

// RecordClusterPeers records the current size of the healthy e2ee-server pool.
func RecordClusterPeers(n int) {
	ClusterPeersHealthy.Set(float64(n))
}
