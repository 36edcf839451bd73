// Package metrics aggregates counters, histograms and gauges for every stage of
// the audit pipeline.
//
// A single Metrics instance is created at process start and passed to each
// stage. It owns its prometheus.Registry; nothing is registered globally. All
// methods are safe on a nil *Metrics so stages can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages used as the "stage" label.
const (
	StageCapture    = "capture"
	StageDispatch   = "dispatch"
	StageQueue      = "queue"
	StageValidate   = "validate"
	StageEnrich     = "enrich"
	StageCompress   = "compress"
	StageSign       = "sign"
	StagePersist    = "persist"
	StagePost       = "post_process"
	StageProcess    = "process"
	StageDeadLetter = "dead_letter"
)

// Outcomes used as the "outcome" label.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeDropped  = "dropped"
	OutcomeFallback = "fallback"
	OutcomeSkipped  = "skipped"
)

// Metrics holds the pipeline collectors and the sliding window health reads.
type Metrics struct {
	registry *prometheus.Registry
	window   *window

	EventsTotal        *prometheus.CounterVec
	StageEvents        *prometheus.CounterVec
	JobsProcessed      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	QueueWait          *prometheus.HistogramVec
	CaptureDuration    prometheus.Histogram
	QueueSize          *prometheus.GaugeVec
	ErrorRate          prometheus.Gauge
	Throughput         prometheus.Gauge
	DispatchDropped    *prometheus.CounterVec
	DeadLetters        *prometheus.CounterVec
	HealthStatus       *prometheus.GaugeVec
}

// Option configures Metrics.
type Option func(*options)

type options struct {
	window         time.Duration
	now            func() time.Time
	processMetrics bool
}

// WithWindow sets the sliding window used by Snapshot.
func WithWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// WithClock replaces the time source of the sliding window.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProcessCollectors adds the Go runtime and process collectors.
func WithProcessCollectors() Option {
	return func(o *options) { o.processMetrics = true }
}

// New creates the pipeline metrics on a fresh registry.
func New(opts ...Option) *Metrics {
	o := options{window: time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	if o.processMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   newWindow(o.window, o.now),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Total number of audit events captured, by event type and risk level",
		}, []string{"event_type", "risk_level"}),
		StageEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_stage_events_total",
			Help: "Audit events passing through each pipeline stage, by outcome",
		}, []string{"stage", "outcome"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_jobs_processed_total",
			Help: "Audit job processing attempts, by event type and outcome",
		}, []string{"event_type", "outcome"}),
		ProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_processing_duration_seconds",
			Help:    "Duration of worker stages, by event type and stage",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"event_type", "stage"}),
		QueueWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_queue_wait_seconds",
			Help:    "Time jobs spend queued before a worker claims them",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"queue_name"}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_capture_duration_seconds",
			Help:    "Time spent building and dispatching capture events on the request path",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025},
		}),
		QueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_queue_size",
			Help: "Jobs waiting in each queue lane",
		}, []string{"queue_name"}),
		ErrorRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audit_error_rate",
			Help: "Fraction of processed audit jobs that failed over the sliding window",
		}),
		Throughput: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audit_throughput_per_second",
			Help: "Audit jobs processed per second over the sliding window",
		}),
		DispatchDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_dispatch_dropped_total",
			Help: "Events dropped from the async path, by reason",
		}, []string{"reason"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_dead_letters_total",
			Help: "Dead-letter records created, by priority and retryability",
		}, []string{"priority", "retryable"}),
		HealthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_health_status",
			Help: "Component health (0=healthy, 1=degraded, 2=critical)",
		}, []string{"component"}),
	}
}

// Registry exposes the owned registry, e.g. for tests or extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the text exposition format for the owned registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCaptured counts an event entering the pipeline.
func (m *Metrics) RecordCaptured(eventType, risk string, d time.Duration) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, risk).Inc()
	m.StageEvents.WithLabelValues(StageCapture, OutcomeSuccess).Inc()
	m.CaptureDuration.Observe(d.Seconds())
	m.window.add(func(b *bucket) { b.captured++ })
}

// RecordCaptureFailure counts a capture that failed on the request path.
func (m *Metrics) RecordCaptureFailure() {
	if m == nil {
		return
	}
	m.StageEvents.WithLabelValues(StageCapture, OutcomeFailure).Inc()
}

// RecordStage counts one stage outcome.
func (m *Metrics) RecordStage(stage, outcome string) {
	if m == nil {
		return
	}
	m.StageEvents.WithLabelValues(stage, outcome).Inc()
}

// ObserveStage records the duration of a worker stage.
func (m *Metrics) ObserveStage(eventType, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.WithLabelValues(eventType, stage).Observe(d.Seconds())
}

// RecordProcessed counts a job that finished successfully.
func (m *Metrics) RecordProcessed(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageEvents.WithLabelValues(StageProcess, OutcomeSuccess).Inc()
	m.JobsProcessed.WithLabelValues(eventType, OutcomeSuccess).Inc()
	m.ProcessingDuration.WithLabelValues(eventType, StageProcess).Observe(d.Seconds())
	m.window.add(func(b *bucket) {
		b.processed++
		b.duration += d
	})
}

// RecordFailed counts a failed processing attempt.
func (m *Metrics) RecordFailed(eventType string) {
	if m == nil {
		return
	}
	m.StageEvents.WithLabelValues(StageProcess, OutcomeFailure).Inc()
	m.JobsProcessed.WithLabelValues(eventType, OutcomeFailure).Inc()
	m.window.add(func(b *bucket) { b.failed++ })
}

// ObserveQueueWait records how long a job waited before being claimed.
func (m *Metrics) ObserveQueueWait(lane string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.WithLabelValues(lane).Observe(d.Seconds())
}

// SetQueueSize sets the depth gauge of a lane.
func (m *Metrics) SetQueueSize(lane string, n int64) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues(lane).Set(float64(n))
}

// RecordDropped counts an event dropped from the async path.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.DispatchDropped.WithLabelValues(reason).Inc()
	m.StageEvents.WithLabelValues(StageDispatch, OutcomeDropped).Inc()
}

// RecordDeadLetter counts a dead-letter record.
func (m *Metrics) RecordDeadLetter(priority string, retryable bool) {
	if m == nil {
		return
	}
	r := "false"
	if retryable {
		r = "true"
	}
	m.DeadLetters.WithLabelValues(priority, r).Inc()
	m.StageEvents.WithLabelValues(StageDeadLetter, OutcomeSuccess).Inc()
}

// SetHealth records a component health level (0 healthy, 1 degraded, 2 critical).
func (m *Metrics) SetHealth(component string, level int) {
	if m == nil {
		return
	}
	m.HealthStatus.WithLabelValues(component).Set(float64(level))
}

// Snapshot is a sliding-window view of pipeline activity.
type Snapshot struct {
	Window         time.Duration `json:"window"`
	Captured       int64         `json:"captured"`
	Processed      int64         `json:"processed"`
	Failed         int64         `json:"failed"`
	ErrorRate      float64       `json:"errorRate"`
	Throughput     float64       `json:"throughputPerSecond"`
	AvgProcessing  time.Duration `json:"avgProcessing"`
	LastCaptured   time.Time     `json:"lastCaptured,omitzero"`
	LastProcessed  time.Time     `json:"lastProcessed,omitzero"`
	LastActivityAt time.Time     `json:"lastActivityAt,omitzero"`
}

// Snapshot summarizes the sliding window and refreshes the error-rate and
// throughput gauges.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	s := m.window.snapshot()
	m.ErrorRate.Set(s.ErrorRate)
	m.Throughput.Set(s.Throughput)
	return s
}
