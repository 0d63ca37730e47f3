package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bridge metrics
	activeBridges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_worker_active_bridges",
		Help: "Number of active call bridges",
	})

	totalBridges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_worker_bridges_total",
		Help: "Total number of call bridges created",
	})

	bridgeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_worker_bridge_duration_seconds",
		Help:    "Duration of call bridges in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	bridgeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_bridge_outcomes_total",
		Help: "Terminal bridge states",
	}, []string{"state"}) // "closed" or "failed"

	// Context resolution metrics
	resolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_worker_context_resolve_latency_seconds",
		Help:    "Context store resolution latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	resolveRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_context_resolve_requests_total",
		Help: "Total number of context resolution requests",
	}, []string{"status"}) // "success", "not_found", "error"

	// Upstream session metrics
	establishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_worker_session_establish_latency_seconds",
		Help:    "Upstream session establishment latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	establishRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_session_establish_requests_total",
		Help: "Total number of upstream session establishment attempts",
	}, []string{"status"})

	// Relay metrics
	framesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_frames_relayed_total",
		Help: "Total audio frames relayed",
	}, []string{"direction"}) // direction: "in" or "out"

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_frames_dropped_total",
		Help: "Total audio frames dropped (malformed or queue overflow)",
	}, []string{"direction", "reason"})

	audioBytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_audio_bytes_total",
		Help: "Total audio bytes relayed",
	}, []string{"direction"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_worker_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_worker_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single call bridge
type Metrics struct {
	callID             string
	startTime          time.Time
	resolveStartTime   time.Time
	establishStartTime time.Time
	mu                 sync.Mutex
}

// NewBridgeMetrics creates a new metrics tracker for a call bridge
func NewBridgeMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordBridgeStart records the start of a bridge
func (m *Metrics) RecordBridgeStart() {
	activeBridges.Inc()
	totalBridges.Inc()
}

// RecordBridgeEnd records the end of a bridge with its terminal state
func (m *Metrics) RecordBridgeEnd(state string) {
	activeBridges.Dec()
	duration := time.Since(m.startTime).Seconds()
	bridgeDuration.Observe(duration)
	bridgeOutcomes.WithLabelValues(state).Inc()
}

// RecordResolveStart records the start of context resolution
func (m *Metrics) RecordResolveStart() {
	m.mu.Lock()
	m.resolveStartTime = time.Now()
	m.mu.Unlock()
}

// RecordResolveEnd records the end of context resolution
func (m *Metrics) RecordResolveEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.resolveStartTime.IsZero() {
		latency := time.Since(m.resolveStartTime).Seconds()
		resolveLatency.Observe(latency)
	}

	resolveRequests.WithLabelValues(status).Inc()
}

// RecordEstablishStart records the start of upstream session establishment
func (m *Metrics) RecordEstablishStart() {
	m.mu.Lock()
	m.establishStartTime = time.Now()
	m.mu.Unlock()
}

// RecordEstablishEnd records the end of upstream session establishment
func (m *Metrics) RecordEstablishEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.establishStartTime.IsZero() {
		latency := time.Since(m.establishStartTime).Seconds()
		establishLatency.Observe(latency)
	}

	status := "success"
	if !success {
		status = "error"
	}
	establishRequests.WithLabelValues(status).Inc()
}

// RecordFrame records one relayed audio frame
func (m *Metrics) RecordFrame(direction string, bytes int) {
	framesRelayed.WithLabelValues(direction).Inc()
	audioBytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrameDropped records a dropped audio frame
func (m *Metrics) RecordFrameDropped(direction, reason string) {
	framesDropped.WithLabelValues(direction, reason).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
