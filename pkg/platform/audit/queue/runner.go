package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"auditrail/pkg/platform/audit/metrics"
)

// Handler processes one claimed job.
type Handler interface {
	Process(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, job *Job) error { return f(ctx, job) }

// FailureHandler receives a job after it is finalized as failed.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job *Job, cause error) error
}

// SuccessHandler is told about every acknowledged job.
type SuccessHandler interface {
	HandleSuccess(ctx context.Context, job *Job)
}

// PanicError is returned for a handler that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("job handler panic: %v", e.Value) }

// Runner drives the lanes of a Queue with independent worker pools.
type Runner struct {
	queue    Queue
	lanes    laneTable
	handler  Handler
	failures FailureHandler
	success  SuccessHandler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	poll     time.Duration
	jitter   func() float64
	now      func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithFailureHandler sets where exhausted jobs go.
func WithFailureHandler(h FailureHandler) RunnerOption {
	return func(r *Runner) { r.failures = h }
}

// WithSuccessHandler sets who is told about acknowledged jobs.
func WithSuccessHandler(h SuccessHandler) RunnerOption {
	return func(r *Runner) { r.success = h }
}

// WithPollInterval sets how long an idle worker waits before claiming again.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.poll = d }
}

// WithJitter replaces the backoff jitter source; it must return [0,1).
func WithJitter(fn func() float64) RunnerOption {
	return func(r *Runner) { r.jitter = fn }
}

// WithRunnerClock replaces the time source used for queue-wait metrics.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner for the given lanes.
func NewRunner(q Queue, lanes []Lane, h Handler, opts ...RunnerOption) (*Runner, error) {
	table, err := newLaneTable(lanes)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		queue:   q,
		lanes:   table,
		handler: h,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		poll:    100 * time.Millisecond,
		jitter:  rand.Float64,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run starts Concurrency workers per lane and blocks until ctx is cancelled.
// A job being processed when ctx is cancelled runs to completion.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range r.lanes.ordered {
		lane := r.lanes.byName[name]
		for i := 0; i < lane.Concurrency; i++ {
			g.Go(func() error {
				r.loop(gctx, lane.Name)
				return nil
			})
		}
		r.logger.InfoContext(ctx, "audit lane started", "lane", lane.Name, "concurrency", lane.Concurrency, "attempts", lane.Attempts)
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, lane LaneName) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := r.ProcessNext(ctx, lane)
		if err != nil {
			r.logger.ErrorContext(ctx, "audit queue claim failed", "lane", lane, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// ProcessNext claims and processes at most one job from the given lanes. It
// reports whether a job was claimed.
func (r *Runner) ProcessNext(ctx context.Context, lanes ...LaneName) (bool, error) {
	job, err := r.queue.Claim(ctx, lanes...)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.handle(context.WithoutCancel(ctx), job)
	return true, nil
}

func (r *Runner) handle(ctx context.Context, job *Job) {
	if job.AttemptsMade == 1 {
		r.metrics.ObserveQueueWait(string(job.Lane), r.now().Sub(job.EnqueuedAt))
	}

	start := r.now()
	err := r.process(ctx, job)
	if err == nil {
		r.metrics.RecordProcessed(string(job.Payload.Event.Type), r.now().Sub(start))
		if ackErr := r.queue.Ack(ctx, job); ackErr != nil {
			r.logger.ErrorContext(ctx, "audit job ack failed", "job_id", job.ID, "lane", job.Lane, "error", ackErr)
			return
		}
		if r.success != nil {
			r.success.HandleSuccess(ctx, job)
		}
		return
	}

	r.metrics.RecordFailed(string(job.Payload.Event.Type))
	if !IsPermanent(err) && !job.Exhausted() {
		lane, _ := r.lanes.get(job.Lane)
		delay := lane.Backoff.Next(job.AttemptsMade, r.jitter)
		r.logger.WarnContext(ctx, "audit job failed, retrying",
			"job_id", job.ID, "lane", job.Lane, "attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts, "retry_in", delay, "error", err)
		if retryErr := r.queue.Retry(ctx, job, delay, err); retryErr != nil {
			r.logger.ErrorContext(ctx, "audit job retry failed", "job_id", job.ID, "lane", job.Lane, "error", retryErr)
		}
		return
	}

	r.logger.ErrorContext(ctx, "audit job failed permanently",
		"job_id", job.ID, "lane", job.Lane, "attempts", job.AttemptsMade, "permanent", IsPermanent(err), "error", err)
	if failErr := r.queue.Fail(ctx, job, err); failErr != nil {
		r.logger.ErrorContext(ctx, "audit job finalize failed", "job_id", job.ID, "lane", job.Lane, "error", failErr)
		return
	}
	job.LastError = err.Error()
	if r.failures == nil {
		return
	}
	if dlqErr := r.failures.HandleFailure(ctx, job, err); dlqErr != nil {
		r.logger.ErrorContext(ctx, "CRITICAL: audit job lost after exhausting retries",
			"job_id", job.ID, "event_type", job.Payload.Event.Type, "error", dlqErr, "unrecoverable", true)
	}
}

func (r *Runner) process(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return r.handler.Process(ctx, job)
}
