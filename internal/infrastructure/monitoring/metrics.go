package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	"github.com/chenchaobing/jaeger-demo/internal/grpc/translation"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/resilience"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
	"github.com/chenchaobing/jaeger-demo/internal/ofe"
)

const namespace = "ofe"

// Metrics holds all Prometheus metrics of the node. Every Metrics owns its
// registry, so several instances can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Ingress metrics
	EventsReceived  *prometheus.CounterVec
	EventsHandled   *prometheus.CounterVec
	HandleDuration  *prometheus.HistogramVec
	CommitFailures  *prometheus.CounterVec
	StagesReached   *prometheus.CounterVec
	PublishesTotal  *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	BreakerSwitches *prometheus.CounterVec

	// RPC metrics
	RPCInFlight prometheus.Gauge
	RPCCalls    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Span metrics
	SpansStarted       *prometheus.CounterVec
	SpansFinished      *prometheus.CounterVec
	SpanDuration       *prometheus.HistogramVec
	SpansInFlight      prometheus.Gauge
	ContractViolations *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current counter values for the debug endpoint.
type Snapshot struct {
	Received       int64 `json:"received"`
	Handled        int64 `json:"handled"`
	CommitFailures int64 `json:"commit_failures"`
	RPCCalls       int64 `json:"rpc_calls"`
	RPCFailures    int64 `json:"rpc_failures"`
	Published      int64 `json:"published"`
	PublishErrors  int64 `json:"publish_errors"`
	Violations     int64 `json:"contract_violations"`
}

var (
	_ tracing.Observer     = (*Metrics)(nil)
	_ translation.Observer = (*Metrics)(nil)
	_ broker.Observer      = (*Metrics)(nil)
	_ ofe.Observer         = (*Metrics)(nil)
)

// NewMetrics creates a metrics collector with its own registry. Go runtime
// and process collectors are registered alongside the node metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	latency := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds",
				Buckets:   latency,
			},
			[]string{"method", "path"},
		),

		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Inbound events accepted by the dispatcher",
			},
			[]string{"topic"},
		),
		EventsHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_handled_total",
				Help:      "Inbound events whose handler returned",
			},
			[]string{"topic"},
		),
		HandleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_handle_duration_seconds",
				Help:      "Time spent in the event handler",
				Buckets:   latency,
			},
			[]string{"topic"},
		),
		CommitFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_failures_total",
				Help:      "Offset commits that failed",
			},
			[]string{"topic"},
		),
		StagesReached: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_stages_total",
				Help:      "Processor state machine transitions",
			},
			[]string{"stage"},
		),
		PublishesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publishes_total",
				Help:      "Outbound publishes by result",
			},
			[]string{"topic", "result"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		BreakerSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "to"},
		),

		RPCInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rpc_in_flight",
				Help:      "Translation calls awaiting completion",
			},
		),
		RPCCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "Completed translation calls by outcome",
			},
			[]string{"outcome"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "Translation call latency until completion",
				Buckets:   latency,
			},
			[]string{"outcome"},
		),

		SpansStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spans_started_total",
				Help:      "Spans started",
			},
			[]string{"name"},
		),
		SpansFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spans_finished_total",
				Help:      "Spans finished by status",
			},
			[]string{"name", "status"},
		),
		SpanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "span_duration_seconds",
				Help:      "Span duration in seconds",
				Buckets:   latency,
			},
			[]string{"name"},
		),
		SpansInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "spans_in_flight",
				Help:      "Spans started but not finished",
			},
		),
		ContractViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "span_contract_violations_total",
				Help:      "Misuse of the capture/activate/deactivate contract",
			},
			[]string{"op"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Node uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Snapshot returns current counter values.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Metrics) update(fn func(s *Snapshot)) {
	m.mu.Lock()
	fn(&m.snapshot)
	m.mu.Unlock()
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// EventReceived implements broker.Observer.
func (m *Metrics) EventReceived(topic string, _ int32) {
	m.EventsReceived.WithLabelValues(topic).Inc()
	m.update(func(s *Snapshot) { s.Received++ })
}

// EventHandled implements broker.Observer.
func (m *Metrics) EventHandled(topic string, d time.Duration) {
	m.EventsHandled.WithLabelValues(topic).Inc()
	m.HandleDuration.WithLabelValues(topic).Observe(d.Seconds())
	m.update(func(s *Snapshot) { s.Handled++ })
}

// CommitFailed implements broker.Observer.
func (m *Metrics) CommitFailed(topic string) {
	m.CommitFailures.WithLabelValues(topic).Inc()
	m.update(func(s *Snapshot) { s.CommitFailures++ })
}

// CallStarted implements translation.Observer.
func (m *Metrics) CallStarted() {
	m.RPCInFlight.Inc()
}

// CallCompleted implements translation.Observer.
func (m *Metrics) CallCompleted(outcome string, d time.Duration) {
	m.RPCInFlight.Dec()
	m.RPCCalls.WithLabelValues(outcome).Inc()
	m.RPCDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.update(func(s *Snapshot) {
		s.RPCCalls++
		if outcome != "ok" {
			s.RPCFailures++
		}
	})
}

// SpanStarted implements tracing.Observer.
func (m *Metrics) SpanStarted(name string) {
	m.SpansStarted.WithLabelValues(name).Inc()
	m.SpansInFlight.Inc()
}

// SpanFinished implements tracing.Observer.
func (m *Metrics) SpanFinished(span tracing.SpanData) {
	m.SpansInFlight.Dec()
	m.SpansFinished.WithLabelValues(span.Name, span.Status.String()).Inc()
	m.SpanDuration.WithLabelValues(span.Name).Observe(span.Duration.Seconds())
}

// ContractViolation implements tracing.Observer.
func (m *Metrics) ContractViolation(op string, _ error) {
	m.ContractViolations.WithLabelValues(op).Inc()
	m.update(func(s *Snapshot) { s.Violations++ })
}

// StageReached implements ofe.Observer.
func (m *Metrics) StageReached(stage ofe.Stage) {
	m.StagesReached.WithLabelValues(string(stage)).Inc()
}

// PublishCompleted implements ofe.Observer.
func (m *Metrics) PublishCompleted(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PublishesTotal.WithLabelValues(topic, result).Inc()
	m.update(func(s *Snapshot) {
		if err != nil {
			s.PublishErrors++
		} else {
			s.Published++
		}
	})
}

// BreakerStateChanged matches resilience.Settings.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _ resilience.State, to resilience.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	m.BreakerSwitches.WithLabelValues(name, to.String()).Inc()
}
