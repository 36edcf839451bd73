// Package health aggregates the health of the audit pipeline.
//
// A check pings the queue broker, the queue backlog, the database, worker
// liveness and capture liveness, grades each as healthy, degraded or
// critical and reports the worst as the overall status. Every check is itself
// audited as a system.health_checked event; entering critical additionally
// emits a system.alert event and pages an operator.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/notify"
	"auditrail/pkg/platform/audit/queue"
)

// Status grades a component.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Level is the numeric form written to the health gauge.
func (s Status) Level() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

// Worst returns the more severe of a and b.
func Worst(a, b Status) Status {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

// Component names in a Report.
const (
	ComponentBroker   = "broker"
	ComponentDatabase = "database"
	ComponentQueue    = "queue"
	ComponentWorker   = "worker"
	ComponentCapture  = "capture"
)

// Component is the health of one part of the pipeline.
type Component struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Latency int64          `json:"latencyMs,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the result of one check.
type Report struct {
	Status     Status               `json:"status"`
	Components map[string]Component `json:"components"`
	Metrics    metrics.Snapshot     `json:"metrics"`
	Alerts     []string             `json:"alerts"`
	CheckedAt  time.Time            `json:"checkedAt"`
	Duration   time.Duration        `json:"-"`
	DurationMS int64                `json:"durationMs"`
}

// Thresholds grade the measured values.
type Thresholds struct {
	ErrorRateWarning     float64
	ErrorRateCritical    float64
	ResponseTimeWarning  time.Duration
	ResponseTimeCritical time.Duration
	QueueSizeWarning     int64
	QueueSizeCritical    int64
	MinThroughput        float64
	CheckTimeout         time.Duration
}

// DefaultThresholds are used for zero fields.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRateWarning:     0.05,
		ErrorRateCritical:    0.10,
		ResponseTimeWarning:  time.Second,
		ResponseTimeCritical: 5 * time.Second,
		QueueSizeWarning:     1000,
		QueueSizeCritical:    5000,
		MinThroughput:        0.1,
		CheckTimeout:         2 * time.Second,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.ErrorRateWarning <= 0 {
		t.ErrorRateWarning = d.ErrorRateWarning
	}
	if t.ErrorRateCritical <= 0 {
		t.ErrorRateCritical = d.ErrorRateCritical
	}
	if t.ResponseTimeWarning <= 0 {
		t.ResponseTimeWarning = d.ResponseTimeWarning
	}
	if t.ResponseTimeCritical <= 0 {
		t.ResponseTimeCritical = d.ResponseTimeCritical
	}
	if t.QueueSizeWarning <= 0 {
		t.QueueSizeWarning = d.QueueSizeWarning
	}
	if t.QueueSizeCritical <= 0 {
		t.QueueSizeCritical = d.QueueSizeCritical
	}
	if t.MinThroughput <= 0 {
		t.MinThroughput = d.MinThroughput
	}
	if t.CheckTimeout <= 0 {
		t.CheckTimeout = d.CheckTimeout
	}
	return t
}

// Broker is the queue backend.
type Broker interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context, lane queue.LaneName) (queue.LaneStats, error)
}

// Database is the audit store.
type Database interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (audit.StoreStats, error)
}

// Dispatcher emits the checker's own audit events.
type Dispatcher interface {
	Dispatch(ctx context.Context, e audit.Event, cfg *queue.JobConfig)
}

// Notifier pages operators when the pipeline goes critical.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Checker runs health checks.
type Checker struct {
	broker     Broker
	db         Database
	lanes      []queue.LaneName
	metrics    *metrics.Metrics
	thresholds Thresholds
	dispatcher Dispatcher
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last *Report
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// WithThresholds replaces the default thresholds. Zero fields keep their
// defaults.
func WithThresholds(t Thresholds) Option {
	return func(c *Checker) { c.thresholds = t.withDefaults() }
}

// WithDispatcher sets where health events are emitted.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Checker) { c.dispatcher = d }
}

// WithNotifier sets where critical alerts go.
func WithNotifier(n Notifier) Option {
	return func(c *Checker) { c.notifier = n }
}

// WithLanes sets the lanes whose backlog is measured.
func WithLanes(lanes ...queue.LaneName) Option {
	return func(c *Checker) { c.lanes = lanes }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// New creates a Checker. db may be nil when no database is configured.
func New(broker Broker, db Database, m *metrics.Metrics, opts ...Option) *Checker {
	c := &Checker{
		broker:     broker,
		db:         db,
		lanes:      []queue.LaneName{queue.LaneCritical, queue.LaneSensitive, queue.LaneDefault, queue.LaneBatch},
		metrics:    m,
		thresholds: DefaultThresholds(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check pings every component and returns the report.
func (c *Checker) Check(ctx context.Context) Report {
	start := c.now()
	snap := c.metrics.Snapshot()

	var (
		broker, backlog, database Component
		depth                     int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		broker = c.checkBroker(gctx)
		backlog, depth = c.checkQueue(gctx)
		return nil
	})
	g.Go(func() error {
		database = c.checkDatabase(gctx)
		return nil
	})
	_ = g.Wait()

	report := Report{
		Components: map[string]Component{
			ComponentBroker:   broker,
			ComponentQueue:    backlog,
			ComponentDatabase: database,
			ComponentWorker:   c.checkWorker(snap, depth),
			ComponentCapture:  c.checkCapture(snap),
		},
		Metrics:   snap,
		Alerts:    []string{},
		CheckedAt: start.UTC(),
	}

	report.Status = StatusHealthy
	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		comp := report.Components[name]
		report.Status = Worst(report.Status, comp.Status)
		c.metrics.SetHealth(name, comp.Status.Level())
		if comp.Status != StatusHealthy {
			report.Alerts = append(report.Alerts, fmt.Sprintf("%s %s: %s", name, comp.Status, comp.Message))
		}
	}
	c.metrics.SetHealth("overall", report.Status.Level())
	report.Duration = c.now().Sub(start)
	report.DurationMS = report.Duration.Milliseconds()

	c.mu.Lock()
	previous := StatusHealthy
	if c.last != nil {
		previous = c.last.Status
	}
	c.last = &report
	c.mu.Unlock()

	if report.Status == StatusCritical && previous != StatusCritical {
		c.alert(ctx, report)
	} else if report.Status != StatusCritical && previous == StatusCritical {
		c.logger.InfoContext(ctx, "audit pipeline recovered from critical", "status", report.Status)
	}
	c.emitChecked(ctx, report)
	return report
}

// Last returns the most recent report, if any.
func (c *Checker) Last() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// Run checks on every interval until ctx is cancelled. The first check runs
// immediately.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

func (c *Checker) timed(ctx context.Context, fn func(context.Context) error) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.thresholds.CheckTimeout)
	defer cancel()
	start := c.now()
	err := fn(ctx)
	return c.now().Sub(start), err
}

func (c *Checker) checkBroker(ctx context.Context) Component {
	latency, err := c.timed(ctx, c.broker.Ping)
	if err != nil {
		return Component{Status: StatusCritical, Message: "queue broker unreachable: " + err.Error(), Latency: latency.Milliseconds()}
	}
	return Component{Status: StatusHealthy, Latency: latency.Milliseconds()}
}

func (c *Checker) checkQueue(ctx context.Context) (Component, int64) {
	t := c.thresholds
	details := make(map[string]any, len(c.lanes))
	var depth, failed int64
	for _, lane := range c.lanes {
		var st queue.LaneStats
		_, err := c.timed(ctx, func(ctx context.Context) error {
			var err error
			st, err = c.broker.Stats(ctx, lane)
			return err
		})
		if err != nil {
			return Component{Status: StatusCritical, Message: fmt.Sprintf("lane %s stats unavailable: %v", lane, err)}, 0
		}
		d := st.Waiting + st.Delayed
		c.metrics.SetQueueSize(string(lane), d)
		depth += d
		failed += st.Failed
		details[string(lane)] = st
	}
	details["depth"] = depth
	details["failed"] = failed

	comp := Component{Status: StatusHealthy, Details: details}
	switch {
	case depth >= t.QueueSizeCritical:
		comp.Status = StatusCritical
		comp.Message = fmt.Sprintf("%d jobs queued (critical at %d)", depth, t.QueueSizeCritical)
	case depth >= t.QueueSizeWarning:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("%d jobs queued (warning at %d)", depth, t.QueueSizeWarning)
	}
	return comp, depth
}

func (c *Checker) checkDatabase(ctx context.Context) Component {
	if c.db == nil {
		return Component{Status: StatusHealthy, Message: "no database configured"}
	}
	latency, err := c.timed(ctx, c.db.Ping)
	if err != nil {
		return Component{Status: StatusCritical, Message: "database unreachable: " + err.Error(), Latency: latency.Milliseconds()}
	}
	var stats audit.StoreStats
	if _, err := c.timed(ctx, func(ctx context.Context) error {
		var err error
		stats, err = c.db.Stats(ctx)
		return err
	}); err != nil {
		return Component{Status: StatusDegraded, Message: "audit table statistics unavailable: " + err.Error(), Latency: latency.Milliseconds()}
	}
	return Component{Status: StatusHealthy, Latency: latency.Milliseconds(), Details: map[string]any{"stats": stats}}
}

// checkWorker derives liveness from the processed counters: a backlog with
// nothing processed in the window means the workers are stuck.
func (c *Checker) checkWorker(s metrics.Snapshot, depth int64) Component {
	t := c.thresholds
	comp := Component{Status: StatusHealthy, Details: map[string]any{
		"processed":  s.Processed,
		"failed":     s.Failed,
		"errorRate":  s.ErrorRate,
		"throughput": s.Throughput,
	}}
	var problems []string
	grade := func(st Status, msg string) {
		comp.Status = Worst(comp.Status, st)
		problems = append(problems, msg)
	}

	switch {
	case s.ErrorRate >= t.ErrorRateCritical:
		grade(StatusCritical, fmt.Sprintf("error rate %.1f%%", s.ErrorRate*100))
	case s.ErrorRate >= t.ErrorRateWarning:
		grade(StatusDegraded, fmt.Sprintf("error rate %.1f%%", s.ErrorRate*100))
	}
	switch {
	case s.AvgProcessing >= t.ResponseTimeCritical:
		grade(StatusCritical, "average processing time "+s.AvgProcessing.String())
	case s.AvgProcessing >= t.ResponseTimeWarning:
		grade(StatusDegraded, "average processing time "+s.AvgProcessing.String())
	}
	if depth > 0 {
		switch {
		case s.Processed == 0 && s.Failed == 0:
			grade(StatusCritical, fmt.Sprintf("no jobs processed in %s with %d queued", s.Window, depth))
		case s.Throughput < t.MinThroughput:
			grade(StatusDegraded, fmt.Sprintf("throughput %.2f/s below %.2f/s", s.Throughput, t.MinThroughput))
		}
	}
	comp.Message = strings.Join(problems, "; ")
	return comp
}

// checkCapture derives capture liveness from the captured counter.
func (c *Checker) checkCapture(s metrics.Snapshot) Component {
	comp := Component{Status: StatusHealthy, Details: map[string]any{"captured": s.Captured}}
	if s.Captured == 0 {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("no operations captured in %s", s.Window)
		if !s.LastCaptured.IsZero() {
			comp.Details["lastCaptured"] = s.LastCaptured
		}
	}
	return comp
}

func (c *Checker) alert(ctx context.Context, r Report) {
	msg := "audit pipeline critical: " + strings.Join(r.Alerts, "; ")
	c.logger.ErrorContext(ctx, "CRITICAL: audit pipeline health critical", "alerts", r.Alerts)

	if c.dispatcher != nil {
		e, err := audit.NewNoticeEvent(audit.EventSystemAlert, "audit-health", &audit.Notice{
			Status:  string(r.Status),
			Message: msg,
			Details: map[string]any{"alerts": r.Alerts, "components": statuses(r)},
		}, audit.WithRisk(audit.RiskCritical))
		if err == nil {
			c.dispatcher.Dispatch(ctx, e, nil)
		}
	}
	if c.notifier != nil {
		n := notify.New(notify.KindHealthAlert, notify.ChannelPager, audit.RiskCritical, msg)
		n.Details = map[string]any{"components": statuses(r)}
		if err := c.notifier.Notify(ctx, n); err != nil {
			c.logger.ErrorContext(ctx, "health alert notification failed", "error", err)
		}
	}
}

func (c *Checker) emitChecked(ctx context.Context, r Report) {
	if c.dispatcher == nil {
		return
	}
	e, err := audit.NewNoticeEvent(audit.EventHealthChecked, "audit-health", &audit.Notice{
		Status:  string(r.Status),
		Message: fmt.Sprintf("health check %s in %s", r.Status, r.Duration),
		Details: map[string]any{
			"durationMs": r.Duration.Milliseconds(),
			"components": statuses(r),
			"alerts":     len(r.Alerts),
		},
	}, audit.WithTimestamp(r.CheckedAt))
	if err != nil {
		c.logger.WarnContext(ctx, "health event build failed", "error", err)
		return
	}
	c.dispatcher.Dispatch(ctx, e, &queue.JobConfig{Compress: false, Sign: false})
}

func statuses(r Report) map[string]string {
	out := make(map[string]string, len(r.Components))
	for name, comp := range r.Components {
		out[name] = string(comp.Status)
	}
	return out
}
