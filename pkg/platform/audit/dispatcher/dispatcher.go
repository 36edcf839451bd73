// Package dispatcher fans captured audit events out to synchronous in-process
// listeners and to the durable queue.
//
// The synchronous path runs inline on the request and is the guaranteed
// delivery mechanism for critical events. The asynchronous path never blocks
// the caller: events are handed to a bounded buffer drained by a single pump
// goroutine that enqueues them. A full buffer, an open circuit or a failed
// enqueue drops the event from the async path; drops are logged and counted.
// Dropped CRITICAL events are handed to the DropHandler so they can be
// quarantined instead of lost.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/platform/circuit"
)

// Drop reasons reported to metrics.
const (
	DropBufferFull    = "buffer_full"
	DropCircuitOpen   = "circuit_open"
	DropEnqueueFailed = "enqueue_failed"
	DropClosed        = "closed"
	DropDuplicate     = "duplicate"
)

const (
	defaultBuffer         = 1024
	defaultSyncBudget     = 5 * time.Millisecond
	defaultEnqueueTimeout = 2 * time.Second
)

// Listener handles events on the synchronous path. It must be fast and must
// not block on I/O.
type Listener interface {
	Handle(ctx context.Context, event audit.Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event audit.Event) error

// Handle implements Listener.
func (f ListenerFunc) Handle(ctx context.Context, event audit.Event) error { return f(ctx, event) }

// Drop describes an event the async path could not deliver.
type Drop struct {
	Lane   queue.LaneName
	Event  audit.Event
	Reason string
	Err    error
}

// DropHandler takes over CRITICAL events dropped from the async path.
type DropHandler interface {
	HandleDrop(ctx context.Context, d Drop) error
}

// Enqueuer is the slice of the queue the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, lane queue.LaneName, p queue.Payload) (*queue.Job, error)
}

type namedListener struct {
	name     string
	listener Listener
}

type handoff struct {
	lane    queue.LaneName
	payload queue.Payload
}

// Dispatcher delivers events on both paths.
type Dispatcher struct {
	queue          Enqueuer
	logger         *slog.Logger
	metrics        *metrics.Metrics
	breaker        *circuit.Breaker
	syncBudget     time.Duration
	enqueueTimeout time.Duration
	bufferSize     int
	jobConfig      queue.JobConfig
	onDrop         DropHandler

	mu        sync.RWMutex
	listeners []namedListener

	// sendMu orders handoffs before close: submit holds it shared across the
	// closed check and the send, Close holds it exclusively.
	sendMu    sync.RWMutex
	ch        chan handoff
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithListener registers a synchronous listener.
func WithListener(name string, l Listener) Option {
	return func(d *Dispatcher) { d.listeners = append(d.listeners, namedListener{name: name, listener: l}) }
}

// WithDropHandler sets where dropped CRITICAL events go.
func WithDropHandler(h DropHandler) Option {
	return func(d *Dispatcher) { d.onDrop = h }
}

// WithBufferSize sets the async handoff capacity.
func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bufferSize = n
		}
	}
}

// WithSyncBudget sets the duration above which a sync dispatch is logged as slow.
func WithSyncBudget(budget time.Duration) Option {
	return func(d *Dispatcher) { d.syncBudget = budget }
}

// WithBreaker guards enqueueing with a circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithJobConfig sets the config used when an event is dispatched without one.
func WithJobConfig(cfg queue.JobConfig) Option {
	return func(d *Dispatcher) { d.jobConfig = cfg }
}

// WithEnqueueTimeout bounds each enqueue call made by the pump.
func WithEnqueueTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.enqueueTimeout = timeout }
}

// New creates a Dispatcher and starts its pump goroutine. Call Close to
// drain pending handoffs.
func New(q Enqueuer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:          q,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		syncBudget:     defaultSyncBudget,
		enqueueTimeout: defaultEnqueueTimeout,
		bufferSize:     defaultBuffer,
		jobConfig:      queue.DefaultJobConfig(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = circuit.New("audit-queue")
	}
	d.ch = make(chan handoff, d.bufferSize)

	d.wg.Add(1)
	go d.pump()
	return d
}

// Subscribe adds a synchronous listener after construction.
func (d *Dispatcher) Subscribe(name string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, namedListener{name: name, listener: l})
}

// SelectLane picks the lane for an event: CRITICAL risk goes to the critical
// lane, LGPD-relevant events to the sensitive lane, everything else to default.
func SelectLane(e audit.Event) queue.LaneName {
	switch {
	case e.Risk == audit.RiskCritical:
		return queue.LaneCritical
	case e.LGPDRelevant:
		return queue.LaneSensitive
	default:
		return queue.LaneDefault
	}
}

// Dispatch runs the synchronous listeners, then hands the event to the
// async path.
func (d *Dispatcher) Dispatch(ctx context.Context, e audit.Event, cfg *queue.JobConfig) {
	d.DispatchSync(ctx, e)
	d.DispatchAsync(ctx, e, cfg)
}

// DispatchSync invokes every listener inline. Listener errors and panics are
// logged and never propagate.
func (d *Dispatcher) DispatchSync(ctx context.Context, e audit.Event) {
	start := time.Now()
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	for _, nl := range listeners {
		if err := d.invoke(ctx, nl, e); err != nil {
			d.metrics.RecordStage(metrics.StageDispatch, metrics.OutcomeFailure)
			d.logger.ErrorContext(ctx, "audit listener failed",
				"listener", nl.name, "event_id", e.ID, "event_type", e.Type, "error", err)
		}
	}
	if elapsed := time.Since(start); d.syncBudget > 0 && elapsed > d.syncBudget {
		d.logger.WarnContext(ctx, "audit sync dispatch exceeded budget",
			"event_id", e.ID, "event_type", e.Type, "elapsed", elapsed, "budget", d.syncBudget, "listeners", len(listeners))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, nl namedListener, e audit.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return nl.listener.Handle(ctx, e)
}

// DispatchAsync hands the event to the queue pump without blocking. It
// reports whether the event was accepted into the handoff buffer.
func (d *Dispatcher) DispatchAsync(ctx context.Context, e audit.Event, cfg *queue.JobConfig) bool {
	return d.submit(ctx, SelectLane(e), e, cfg)
}

// DispatchBatch submits bulk events on the batch lane and returns how many
// were accepted.
func (d *Dispatcher) DispatchBatch(ctx context.Context, events []audit.Event, cfg *queue.JobConfig) int {
	accepted := 0
	for _, e := range events {
		if d.submit(ctx, queue.LaneBatch, e, cfg) {
			accepted++
		}
	}
	return accepted
}

func (d *Dispatcher) submit(ctx context.Context, lane queue.LaneName, e audit.Event, cfg *queue.JobConfig) bool {
	if cfg == nil {
		c := d.jobConfig
		cfg = &c
	}
	reason, ok := d.send(handoff{lane: lane, payload: queue.Payload{Event: e, Config: cfg}})
	if !ok {
		d.drop(ctx, reason, lane, e, nil)
		return false
	}
	d.metrics.RecordStage(metrics.StageDispatch, metrics.OutcomeSuccess)
	return true
}

// send never blocks. A handoff it accepts is in the buffer before Close can
// signal the pump, so the final drain sees it.
func (d *Dispatcher) send(h handoff) (string, bool) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed.Load() {
		return DropClosed, false
	}
	select {
	case d.ch <- h:
		return "", true
	default:
		return DropBufferFull, false
	}
}

func (d *Dispatcher) pump() {
	defer d.wg.Done()
	for {
		select {
		case h := <-d.ch:
			d.enqueue(h)
		case <-d.done:
			for {
				select {
				case h := <-d.ch:
					d.enqueue(h)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) enqueue(h handoff) {
	ctx := context.Background()
	if !d.breaker.Allow() {
		d.drop(ctx, DropCircuitOpen, h.lane, h.payload.Event, nil)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
	defer cancel()
	_, err := d.queue.Enqueue(ctx, h.lane, h.payload)
	switch {
	case err == nil:
		if _, change := d.breaker.RecordSuccess(); change.Closed {
			d.logger.InfoContext(ctx, "audit queue circuit closed", "breaker", d.breaker.Name())
		}
	case errors.Is(err, queue.ErrDuplicateJob):
		d.drop(ctx, DropDuplicate, h.lane, h.payload.Event, err)
	default:
		if _, change := d.breaker.RecordFailure(); change.Opened {
			d.logger.WarnContext(ctx, "audit queue circuit opened", "breaker", d.breaker.Name())
		}
		d.drop(ctx, DropEnqueueFailed, h.lane, h.payload.Event, err)
	}
}

func (d *Dispatcher) drop(ctx context.Context, reason string, lane queue.LaneName, e audit.Event, err error) {
	d.dropped.Add(1)
	d.metrics.RecordDropped(reason)
	attrs := []any{"reason", reason, "lane", lane, "event_id", e.ID, "event_type", e.Type, "risk_level", e.Risk}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if reason == DropDuplicate {
		d.logger.DebugContext(ctx, "audit event already queued", attrs...)
		return
	}
	d.logger.WarnContext(ctx, "audit event dropped from async path", attrs...)

	if e.Risk != audit.RiskCritical {
		return
	}
	if d.onDrop == nil {
		d.logger.ErrorContext(ctx, "CRITICAL: critical audit event lost", append(attrs, "unrecoverable", true)...)
		return
	}
	if herr := d.onDrop.HandleDrop(context.WithoutCancel(ctx), Drop{Lane: lane, Event: e, Reason: reason, Err: err}); herr != nil {
		d.logger.ErrorContext(ctx, "CRITICAL: critical audit event lost", append(attrs, "drop_error", herr, "unrecoverable", true)...)
	}
}

// Dropped returns how many events were dropped from the async path.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Pending returns the number of events waiting in the handoff buffer.
func (d *Dispatcher) Pending() int {
	return len(d.ch)
}

// Close stops accepting events and waits for the pump to drain the buffer
// or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.sendMu.Lock()
		d.closed.Store(true)
		d.sendMu.Unlock()
		close(d.done)
	})
	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain audit dispatcher: %w", ctx.Err())
	}
}
