// Package observability exposes checkout and RPC metrics through Prometheus.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"voyager/internal/checkout"
)

const namespace = "voyager"

// Metrics records checkout saga and server metrics on its own registry. A nil
// *Metrics is a valid no-op sink.
type Metrics struct {
	registry *prometheus.Registry

	attemptsStarted      prometheus.Counter
	attemptsInFlight     prometheus.Gauge
	outcomes             *prometheus.CounterVec
	duplicates           prometheus.Counter
	compensationFailures prometheus.Counter
	lateCallbacks        prometheus.Counter
	stepLatency          *prometheus.HistogramVec

	rpcCalls       *prometheus.CounterVec
	rpcLatency     *prometheus.HistogramVec
	rpcInFlight    *prometheus.GaugeVec
	rateLimitWaits prometheus.Histogram
	shutdownAt     prometheus.Gauge
	shutdownDrain  prometheus.Gauge
}

var _ checkout.Metrics = (*Metrics)(nil)

func opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
}

func histogram(subsystem, name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		attemptsStarted:      prometheus.NewCounter(prometheus.CounterOpts(opts("checkout", "attempts_started_total", "Purchase attempts admitted by the single-flight guard."))),
		attemptsInFlight:     prometheus.NewGauge(prometheus.GaugeOpts(opts("checkout", "attempts_in_flight", "Purchase attempts currently running."))),
		outcomes:             prometheus.NewCounterVec(prometheus.CounterOpts(opts("checkout", "outcomes_total", "Terminal purchase outcomes by status and failure kind.")), []string{"status", "kind"}),
		duplicates:           prometheus.NewCounter(prometheus.CounterOpts(opts("checkout", "duplicate_attempts_total", "Purchase requests rejected because an attempt was in flight."))),
		compensationFailures: prometheus.NewCounter(prometheus.CounterOpts(opts("checkout", "compensation_failures_total", "Hold releases that failed during compensation."))),
		lateCallbacks:        prometheus.NewCounter(prometheus.CounterOpts(opts("checkout", "late_callbacks_total", "Gateway callbacks ignored because their attempt had finished."))),
		stepLatency: prometheus.NewHistogramVec(
			histogram("checkout", "step_duration_seconds", "Saga step latency.", []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}),
			[]string{"step", "result"},
		),

		rpcCalls:       prometheus.NewCounterVec(prometheus.CounterOpts(opts("rpc", "calls_total", "Server calls by method and result.")), []string{"method", "result"}),
		rpcLatency:     prometheus.NewHistogramVec(histogram("rpc", "call_duration_seconds", "Server call latency.", prometheus.DefBuckets), []string{"method"}),
		rpcInFlight:    prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("rpc", "calls_in_flight", "Server calls currently running.")), []string{"method"}),
		rateLimitWaits: prometheus.NewHistogram(histogram("rpc", "rate_limit_wait_seconds", "Time callers spent waiting for a rate-limit token.", []float64{.001, .005, .01, .05, .1, .5, 1})),
		shutdownAt:     prometheus.NewGauge(prometheus.GaugeOpts(opts("", "shutdown_timestamp_seconds", "Unix time graceful shutdown began."))),
		shutdownDrain:  prometheus.NewGauge(prometheus.GaugeOpts(opts("", "shutdown_in_flight_attempts", "Purchase attempts still running when shutdown began."))),
	}
	m.registry.MustRegister(
		m.attemptsStarted, m.attemptsInFlight, m.outcomes, m.duplicates,
		m.compensationFailures, m.lateCallbacks, m.stepLatency,
		m.rpcCalls, m.rpcLatency, m.rpcInFlight, m.rateLimitWaits,
		m.shutdownAt, m.shutdownDrain,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is what the /metrics handler gathers from.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.attemptsStarted.Inc()
	m.attemptsInFlight.Inc()
}

func (m *Metrics) AttemptFinished(status checkout.OutcomeStatus, kind checkout.FailureKind) {
	if m == nil {
		return
	}
	m.attemptsInFlight.Dec()
	m.outcomes.WithLabelValues(string(status), string(kind)).Inc()
}

func (m *Metrics) DuplicateRejected() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) CompensationFailed() {
	if m == nil {
		return
	}
	m.compensationFailures.Inc()
}

func (m *Metrics) LateCallback() {
	if m == nil {
		return
	}
	m.lateCallbacks.Inc()
}

func (m *Metrics) ObserveStep(step string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(step, result(err)).Observe(elapsed.Seconds())
}

// CallSpan tracks one server call from Start to End.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

// Start marks a call in flight. End must be called exactly once.
func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.rpcInFlight.WithLabelValues(method).Inc()
	return &CallSpan{metrics: m, method: method, start: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	m := s.metrics
	m.rpcInFlight.WithLabelValues(s.method).Dec()
	m.rpcCalls.WithLabelValues(s.method, result(err)).Inc()
	m.rpcLatency.WithLabelValues(s.method).Observe(time.Since(s.start).Seconds())
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.rateLimitWaits.Observe(d.Seconds())
}

// MarkShutdown records when graceful shutdown began and how many attempts
// were still draining.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.shutdownAt.Set(float64(time.Now().Unix()))
	m.shutdownDrain.Set(float64(inflight))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
