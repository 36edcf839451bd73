// Package deadletter quarantines audit jobs that exhausted their retries.
//
// The Handler is the queue's FailureHandler. For every exhausted job it
// classifies the failure, persists a dead letter, escalates to an operator
// channel by priority and, when the failure was transient, resubmits the job
// on the batch lane after a priority-dependent delay. If the dead letter
// cannot be stored, it is appended to a local file; if that fails too the
// event is logged as lost.
//
// A resubmitted job carries its dead letter id. When it fails again the same
// record is refreshed rather than a new one created, and after
// MaxResubmissions the record is marked failed and left to an operator. As
// the runner's SuccessHandler, the Handler resolves the record once a
// resubmission is processed.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/dispatcher"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/notify"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/platform/sentinel"
)

// Store persists dead letters.
type Store interface {
	// SaveDeadLetter inserts d, or refreshes the failure and lifecycle fields
	// of the record with the same id unless that record is closed.
	SaveDeadLetter(ctx context.Context, d audit.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (audit.DeadLetter, error)
	// UpdateDeadLetterStatus writes the lifecycle fields of d: status, retry
	// count, next retry, resolution and resolver.
	UpdateDeadLetterStatus(ctx context.Context, d audit.DeadLetter) error
	ListDeadLetters(ctx context.Context, filter audit.DeadLetterFilter) ([]audit.DeadLetter, error)
}

// Transactor runs fn in one store transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Enqueuer resubmits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, lane queue.LaneName, p queue.Payload) (*queue.Job, error)
}

// Notifier receives operator escalations.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// ResubmitLane is where dead letters are retried, away from live traffic.
const ResubmitLane = queue.LaneBatch

// DefaultMaxResubmissions bounds automatic resubmission of one dead letter.
const DefaultMaxResubmissions = 5

// AutoResolver is recorded as the resolver of dead letters closed by a
// successful resubmission.
const AutoResolver = "auditrail"

// Handler implements queue.FailureHandler and the operator actions on dead
// letters.
type Handler struct {
	store    Store
	queue    Enqueuer
	fallback Fallback
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	maxResubmissions int
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithFallback sets the local write path used when the store fails.
func WithFallback(f Fallback) Option {
	return func(h *Handler) { h.fallback = f }
}

// WithNotifier sets where escalations go.
func WithNotifier(n Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// WithMaxResubmissions bounds automatic resubmission per dead letter. Zero
// disables it.
func WithMaxResubmissions(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.maxResubmissions = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler. q may be nil, in which case nothing is resubmitted.
func New(store Store, q Enqueuer, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		queue:  q,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,

		maxResubmissions: DefaultMaxResubmissions,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleFailure implements queue.FailureHandler. It returns an error only
// when the dead letter could not be written anywhere.
func (h *Handler) HandleFailure(ctx context.Context, job *queue.Job, cause error) error {
	d, err := h.build(job, cause)
	if err != nil {
		return err
	}

	resubmit := d.Retryable && h.queue != nil
	link := job.Payload.Resubmission
	if link != nil && link.DeadLetterID != "" {
		prev, err := h.store.GetDeadLetter(ctx, link.DeadLetterID)
		switch {
		case err == nil && prev.Status.Terminal():
			h.logger.InfoContext(ctx, "resubmitted audit job failed after its dead letter was closed",
				"dead_letter_id", prev.ID, "status", prev.Status, "job_id", job.ID)
			return nil
		case err == nil:
			d.CreatedAt = prev.CreatedAt
		}
		d.ID = link.DeadLetterID
		d.RetryCount = link.Count
		if resubmit && link.Count >= h.maxResubmissions {
			d.Status = audit.DeadLetterFailed
			d.NextRetryAt = nil
			resubmit = false
		}
	} else if h.maxResubmissions == 0 {
		resubmit = false
	}

	if err := h.persist(ctx, d); err != nil {
		return err
	}
	h.metrics.RecordDeadLetter(string(d.Priority), d.Retryable)
	h.logger.WarnContext(ctx, "audit job dead-lettered",
		"dead_letter_id", d.ID,
		"job_id", d.OriginalJobID,
		"event_type", d.EventType,
		"priority", d.Priority,
		"retryable", d.Retryable,
		"attempts", d.AttemptsMade,
		"retry_count", d.RetryCount,
		"status", d.Status,
		"reason", d.FailureReason,
	)

	// Repeat failures of a resubmission escalate only when automatic
	// resubmission stops.
	if link == nil || !resubmit {
		h.escalate(ctx, job.Payload.Event, d)
	}
	if resubmit {
		_ = h.resubmit(ctx, &d, job.Payload, RetryDelay(d.Priority))
	}
	return nil
}

// HandleDrop implements dispatcher.DropHandler. A critical event that never
// reached the queue is quarantined like an exhausted job with no attempts
// made, so it is escalated and resubmitted on the batch lane.
func (h *Handler) HandleDrop(ctx context.Context, drop dispatcher.Drop) error {
	cause := fmt.Errorf("%w: dropped from async path: %s", sentinel.ErrUnavailable, drop.Reason)
	if drop.Err != nil {
		cause = fmt.Errorf("%w: %w", cause, drop.Err)
	}
	job := &queue.Job{ID: drop.Event.ID, Lane: drop.Lane, Payload: queue.Payload{Event: drop.Event}}
	return h.HandleFailure(ctx, job, cause)
}

// HandleSuccess implements queue.SuccessHandler. A processed resubmission
// resolves its dead letter.
func (h *Handler) HandleSuccess(ctx context.Context, job *queue.Job) {
	link := job.Payload.Resubmission
	if link == nil || link.DeadLetterID == "" {
		return
	}
	d, err := h.store.GetDeadLetter(ctx, link.DeadLetterID)
	if err != nil {
		h.logger.WarnContext(ctx, "dead letter lookup after resubmission failed",
			"dead_letter_id", link.DeadLetterID, "job_id", job.ID, "error", err)
		return
	}
	if d.Status.Terminal() {
		return
	}
	if err := d.Transition(audit.DeadLetterResolved, h.now().UTC()); err != nil {
		h.logger.ErrorContext(ctx, "dead letter transition failed", "dead_letter_id", d.ID, "error", err)
		return
	}
	d.ResolvedBy = AutoResolver
	d.Resolution = fmt.Sprintf("resubmission %d processed", link.Count)
	d.NextRetryAt = nil
	if err := h.store.UpdateDeadLetterStatus(ctx, d); err != nil {
		h.logger.WarnContext(ctx, "dead letter status update failed",
			"dead_letter_id", d.ID, "status", d.Status, "error", err)
		return
	}
	h.logger.InfoContext(ctx, "dead letter resolved by resubmission",
		"dead_letter_id", d.ID, "job_id", job.ID, "retry_count", link.Count)
}

func (h *Handler) build(job *queue.Job, cause error) (audit.DeadLetter, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return audit.DeadLetter{}, fmt.Errorf("encode dead letter payload for %s: %w", job.ID, err)
	}
	now := h.now().UTC()
	e := job.Payload.Event
	d := audit.DeadLetter{
		ID:              uuid.NewString(),
		OriginalJobID:   job.ID,
		Lane:            string(job.Lane),
		EventType:       e.Type,
		EntityName:      e.EntityName,
		EntityID:        e.EntityID,
		UserID:          e.UserID,
		OriginalPayload: payload,
		FailureReason:   failureReason(job, cause),
		AttemptsMade:    job.AttemptsMade,
		MaxAttempts:     job.MaxAttempts,
		Priority:        ClassifyPriority(e.Type),
		Retryable:       IsRetryable(cause),
		Status:          audit.DeadLetterPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var panicErr *queue.PanicError
	if errors.As(cause, &panicErr) {
		d.StackTrace = string(panicErr.Stack)
	}
	if d.Retryable {
		next := now.Add(RetryDelay(d.Priority))
		d.NextRetryAt = &next
	}
	return d, nil
}

func failureReason(job *queue.Job, cause error) string {
	if cause != nil {
		return cause.Error()
	}
	if job.LastError != "" {
		return job.LastError
	}
	return "unknown failure"
}

// persist writes d to the store, then to the fallback file.
func (h *Handler) persist(ctx context.Context, d audit.DeadLetter) error {
	storeErr := h.store.SaveDeadLetter(ctx, d)
	if storeErr == nil {
		return nil
	}
	h.logger.ErrorContext(ctx, "dead letter store write failed, using fallback",
		"dead_letter_id", d.ID, "job_id", d.OriginalJobID, "error", storeErr)

	if h.fallback == nil {
		return h.lost(ctx, d, storeErr)
	}
	if err := h.fallback.Write(ctx, d); err != nil {
		return h.lost(ctx, d, errors.Join(storeErr, err))
	}
	return nil
}

func (h *Handler) lost(ctx context.Context, d audit.DeadLetter, err error) error {
	h.metrics.RecordStage(metrics.StageDeadLetter, metrics.OutcomeFailure)
	h.logger.ErrorContext(ctx, "CRITICAL: audit event lost, dead letter could not be written",
		"dead_letter_id", d.ID,
		"job_id", d.OriginalJobID,
		"event_type", d.EventType,
		"entity_name", d.EntityName,
		"entity_id", d.EntityID,
		"user_id", d.UserID,
		"payload", string(d.OriginalPayload),
		"error", err,
	)
	return fmt.Errorf("dead letter %s not written: %w", d.OriginalJobID, err)
}

func (h *Handler) escalate(ctx context.Context, e audit.Event, d audit.DeadLetter) {
	if h.notifier == nil {
		return
	}
	msg := fmt.Sprintf("audit job for %s dead-lettered after %d attempts: %s", d.EventType, d.AttemptsMade, d.FailureReason)
	if d.Status == audit.DeadLetterFailed {
		msg = fmt.Sprintf("audit job for %s still failing after %d resubmissions, automatic retry stopped: %s",
			d.EventType, d.RetryCount, d.FailureReason)
	}
	n := notify.ForEvent(notify.KindDeadLetter, Channel(d.Priority), e, msg)
	n.Severity = severity(d.Priority)
	n.Details = map[string]any{
		"deadLetterId": d.ID,
		"lane":         d.Lane,
		"priority":     string(d.Priority),
		"retryable":    d.Retryable,
		"attempts":     d.AttemptsMade,
		"retryCount":   d.RetryCount,
		"status":       string(d.Status),
	}
	if d.NextRetryAt != nil {
		n.Details["nextRetryAt"] = *d.NextRetryAt
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		h.logger.ErrorContext(ctx, "dead letter escalation failed",
			"dead_letter_id", d.ID, "channel", n.Channel, "error", err)
	}
}

// resubmit enqueues the original payload on the batch lane and marks d as
// retrying. Failures leave d pending for an operator.
func (h *Handler) resubmit(ctx context.Context, d *audit.DeadLetter, p queue.Payload, delay time.Duration) error {
	cfg := queue.DefaultJobConfig()
	if p.Config != nil {
		cfg = *p.Config
	}
	cfg.Delay = delay
	cfg.Attempts = 0
	p.Config = &cfg
	p.Resubmission = &queue.Resubmission{DeadLetterID: d.ID, Count: d.RetryCount + 1}

	if _, err := h.queue.Enqueue(ctx, ResubmitLane, p); err != nil {
		h.logger.ErrorContext(ctx, "dead letter resubmission failed",
			"dead_letter_id", d.ID, "job_id", d.OriginalJobID, "error", err)
		return fmt.Errorf("resubmit dead letter %s: %w", d.ID, err)
	}

	now := h.now().UTC()
	if err := d.Transition(audit.DeadLetterRetrying, now); err != nil {
		h.logger.ErrorContext(ctx, "dead letter transition failed", "dead_letter_id", d.ID, "error", err)
		return nil
	}
	d.RetryCount++
	next := now.Add(delay)
	d.NextRetryAt = &next
	if err := h.store.UpdateDeadLetterStatus(ctx, *d); err != nil {
		h.logger.WarnContext(ctx, "dead letter status update failed",
			"dead_letter_id", d.ID, "status", d.Status, "error", err)
	}
	return nil
}

// Resolve closes a dead letter after an operator fixed its cause.
func (h *Handler) Resolve(ctx context.Context, id, by, resolution string) (audit.DeadLetter, error) {
	return h.close(ctx, id, audit.DeadLetterResolved, by, resolution)
}

// Ignore closes a dead letter that will never be processed.
func (h *Handler) Ignore(ctx context.Context, id, by, reason string) (audit.DeadLetter, error) {
	return h.close(ctx, id, audit.DeadLetterIgnored, by, reason)
}

func (h *Handler) close(ctx context.Context, id string, to audit.DeadLetterStatus, by, note string) (audit.DeadLetter, error) {
	d, err := h.store.GetDeadLetter(ctx, id)
	if err != nil {
		return audit.DeadLetter{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	if err := d.Transition(to, h.now().UTC()); err != nil {
		return audit.DeadLetter{}, err
	}
	d.ResolvedBy = by
	d.Resolution = note
	d.NextRetryAt = nil
	if err := h.store.UpdateDeadLetterStatus(ctx, d); err != nil {
		return audit.DeadLetter{}, fmt.Errorf("update dead letter %s: %w", id, err)
	}
	h.logger.InfoContext(ctx, "dead letter closed", "dead_letter_id", id, "status", to, "by", by)
	return d, nil
}

// Operator action errors.
var (
	ErrNoQueue       = errors.New("dead letter handler has no queue")
	ErrNoJournal     = errors.New("dead letter handler has no replayable fallback")
	ErrInvalidFilter = errors.New("invalid dead letter filter")
)

// Replay moves dead letters written to the fallback journal while the store
// was down back into the store and empties the journal. When the store is a
// Transactor the whole journal is saved in one transaction. Entries for the
// same id are applied oldest first, so the latest failure wins.
func (h *Handler) Replay(ctx context.Context, by string) (int, error) {
	journal, ok := h.fallback.(Journal)
	if !ok {
		return 0, ErrNoJournal
	}
	n, err := journal.Replay(ctx, func(ctx context.Context, letters []audit.DeadLetter) error {
		save := func(ctx context.Context) error {
			for _, d := range letters {
				if err := h.store.SaveDeadLetter(ctx, d); err != nil {
					return fmt.Errorf("replay dead letter %s: %w", d.ID, err)
				}
			}
			return nil
		}
		if t, ok := h.store.(Transactor); ok {
			return t.InTx(ctx, save)
		}
		return save(ctx)
	})
	if err != nil {
		return n, err
	}
	h.logger.InfoContext(ctx, "dead letter journal replayed", "count", n, "by", by)
	return n, nil
}

// Retry resubmits a dead letter immediately at an operator's request.
func (h *Handler) Retry(ctx context.Context, id, by string) (audit.DeadLetter, error) {
	if h.queue == nil {
		return audit.DeadLetter{}, ErrNoQueue
	}
	d, err := h.store.GetDeadLetter(ctx, id)
	if err != nil {
		return audit.DeadLetter{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	if d.Status.Terminal() || !d.Retryable {
		return audit.DeadLetter{}, fmt.Errorf("%w: %s is %s (retryable=%t)", audit.ErrInvalidTransition, id, d.Status, d.Retryable)
	}
	var p queue.Payload
	if err := json.Unmarshal(d.OriginalPayload, &p); err != nil {
		return audit.DeadLetter{}, fmt.Errorf("decode dead letter %s payload: %w", id, err)
	}
	if err := h.resubmit(ctx, &d, p, 0); err != nil {
		return audit.DeadLetter{}, err
	}
	h.logger.InfoContext(ctx, "dead letter resubmitted", "dead_letter_id", id, "by", by, "retry_count", d.RetryCount)
	return d, nil
}

// List returns dead letters matching filter.
func (h *Handler) List(ctx context.Context, filter audit.DeadLetterFilter) ([]audit.DeadLetter, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return h.store.ListDeadLetters(ctx, filter)
}
