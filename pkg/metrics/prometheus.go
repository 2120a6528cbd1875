package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one process.
//
// All recording methods are safe on a nil *Metrics so that components built
// without metrics (tests, embedded use) need no guards.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	httpStreamsTotal     *prometheus.CounterVec
	panicsRecovered      *prometheus.CounterVec

	// Redis Metrics
	redisCommandsTotal *prometheus.CounterVec
	redisErrorsTotal   *prometheus.CounterVec

	// WebSocket / relay Metrics
	websocketConnections  prometheus.Gauge
	websocketErrorsTotal  *prometheus.CounterVec
	signalingMessages     *prometheus.CounterVec
	signalingUndelivered  *prometheus.CounterVec
	transportDisconnected prometheus.Counter

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Session Metrics
	mediaAcquisitions *prometheus.CounterVec
	iceCandidates     *prometheus.CounterVec
	sessionTeardowns  prometheus.Counter
	peerStates        *prometheus.CounterVec
}

// NewMetrics creates a fresh registry and registers all metrics on it
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		httpStreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_streams_total",
				Help:        "Long-lived HTTP exchanges (event streams, WebSocket upgrades)",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		panicsRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_panics_recovered_total",
				Help:        "Handler panics turned into 500 responses",
				ConstLabels: labels,
			},
			[]string{"endpoint"},
		),

		// Redis Metrics
		redisCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_commands_total",
				Help:        "Total number of Redis commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),
		signalingMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Signaling events by name and direction",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		signalingUndelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_undeliverable_total",
				Help:        "Signaling events that could not be routed to their recipient",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
		transportDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_transport_disconnects_total",
				Help:        "Times the signaling transport reported a disconnect",
				ConstLabels: labels,
			},
		),

		// Call Metrics
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by media kind and final status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls not yet in a terminal status",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed calls",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),

		// Session Metrics
		mediaAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "media_acquisitions_total",
				Help:        "Local media acquisition attempts by kind and result",
				ConstLabels: labels,
			},
			[]string{"type", "result"},
		),
		iceCandidates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "ice_candidates_total",
				Help:        "Remote ICE candidates by outcome (applied, queued, dropped)",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		sessionTeardowns: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "session_teardowns_total",
				Help:        "Call sessions torn down",
				ConstLabels: labels,
			},
		),
		peerStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "peer_connection_states_total",
				Help:        "Peer connection state transitions",
				ConstLabels: labels,
			},
			[]string{"state"},
		),
	}

	return m
}

// GetRegistry returns the registry backing these metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request; status is a class label such as "2xx"
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordHTTPStream records a long-lived exchange once it ends
func (m *Metrics) RecordHTTPStream(method, endpoint, status string) {
	if m == nil {
		return
	}
	m.httpStreamsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// RecordPanic records a recovered handler panic
func (m *Metrics) RecordPanic(endpoint string) {
	if m == nil {
		return
	}
	m.panicsRecovered.WithLabelValues(endpoint).Inc()
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// Redis Metrics Methods

// RecordRedisCommand records a Redis command
func (m *Metrics) RecordRedisCommand(command string, err error) {
	if m == nil {
		return
	}
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// RecordSignal records a signaling event; direction is "in" or "out"
func (m *Metrics) RecordSignal(event, direction string) {
	if m == nil {
		return
	}
	m.signalingMessages.WithLabelValues(event, direction).Inc()
}

// RecordUndeliverable records an event the relay could not route
func (m *Metrics) RecordUndeliverable(event string) {
	if m == nil {
		return
	}
	m.signalingUndelivered.WithLabelValues(event).Inc()
}

// RecordTransportDisconnect records a signaling transport disconnect
func (m *Metrics) RecordTransportDisconnect() {
	if m == nil {
		return
	}
	m.transportDisconnected.Inc()
}

// Call Metrics Methods

// RecordCall records a call reaching its final status
func (m *Metrics) RecordCall(callType, status string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// SetActiveCalls sets the number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	if m == nil {
		return
	}
	m.callsActive.Set(float64(count))
}

// RecordCallDuration records the duration of a call
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(callType, reason string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// Session Metrics Methods

// RecordMediaAcquisition records a capture attempt (ok, denied, canceled)
func (m *Metrics) RecordMediaAcquisition(kind, result string) {
	if m == nil {
		return
	}
	m.mediaAcquisitions.WithLabelValues(kind, result).Inc()
}

// RecordICECandidate records what happened to a remote candidate
func (m *Metrics) RecordICECandidate(outcome string) {
	if m == nil {
		return
	}
	m.iceCandidates.WithLabelValues(outcome).Inc()
}

// RecordTeardown records a session teardown
func (m *Metrics) RecordTeardown() {
	if m == nil {
		return
	}
	m.sessionTeardowns.Inc()
}

// RecordPeerState records a peer connection state transition
func (m *Metrics) RecordPeerState(state string) {
	if m == nil {
		return
	}
	m.peerStates.WithLabelValues(state).Inc()
}
