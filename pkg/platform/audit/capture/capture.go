// Package capture turns inbound operations into audit events at the request
// boundary.
//
// Every tracked operation produces an operation.start event before the
// handler runs and an operation.success or operation.error event after it,
// all three sharing one correlation id. Capture never fails the operation it
// observes: any error or panic raised while building or dispatching events is
// recovered, logged and counted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/classifier"
	"auditrail/pkg/platform/audit/dedup"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/requestcontext"
)

// Dispatcher receives captured events. It must not block.
type Dispatcher interface {
	Dispatch(ctx context.Context, e audit.Event, cfg *queue.JobConfig)
}

// Inbound describes one inbound operation.
type Inbound struct {
	Method     string
	Route      string
	EntityHint string
	EntityID   string
	Controller string
	Handler    string
	Params     map[string]any
	Body       any

	UserID    string
	SessionID string
	ClientIP  string
	UserAgent string
	RequestID string
}

// StatusError carries the status an operation failed with.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode returns the failure status.
func (e *StatusError) StatusCode() int { return e.Status }

// Capturer builds operation events and hands them to the dispatcher.
type Capturer struct {
	classifier *classifier.Classifier
	dispatcher Dispatcher
	dedup      dedup.Cache
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Capturer) { c.logger = logger }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Capturer) { c.metrics = m }
}

// WithDedup suppresses capture of identical requests seen within the
// cache's TTL window.
func WithDedup(cache dedup.Cache) Option {
	return func(c *Capturer) { c.dedup = cache }
}

// WithClock replaces the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(c *Capturer) { c.now = now }
}

// New creates a Capturer.
func New(cls *classifier.Classifier, d Dispatcher, opts ...Option) *Capturer {
	c := &Capturer{
		classifier: cls,
		dispatcher: d,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// operation is an in-flight tracked operation.
type operation struct {
	in             Inbound
	endpoint       string
	classification classifier.Classification
	correlationID  string
	request        *audit.RequestContext
	metadata       map[string]any
	started        time.Time
}

// Track wraps fn with start and completion events and returns fn's error
// unchanged. When fn panics an error event is emitted and the panic is
// re-raised.
func (c *Capturer) Track(ctx context.Context, in Inbound, fn func(ctx context.Context) error) (err error) {
	op := c.begin(ctx, in)
	if op == nil {
		return fn(ctx)
	}

	defer func() {
		if rec := recover(); rec != nil {
			c.finish(ctx, op, &StatusError{Status: http.StatusInternalServerError, Message: fmt.Sprintf("panic: %v", rec)})
			panic(rec)
		}
	}()
	err = fn(ctx)
	c.finish(ctx, op, err)
	return err
}

func (c *Capturer) begin(ctx context.Context, in Inbound) (op *operation) {
	defer c.guard(ctx, "start", &in)

	start := c.now()
	if arrived, ok := requestcontext.Time(ctx); ok {
		start = arrived
	}
	endpoint := NormalizeEndpoint(in.Route)
	cls := c.classifier.Classify(in.Method, endpoint, in.EntityHint)
	if cls.Skip {
		return nil
	}
	if c.duplicate(ctx, in) {
		c.metrics.RecordStage(metrics.StageCapture, metrics.OutcomeSkipped)
		c.logger.DebugContext(ctx, "duplicate request suppressed from audit", "method", in.Method, "endpoint", endpoint, "user_id", in.UserID)
		return nil
	}

	op = &operation{
		in:             in,
		endpoint:       endpoint,
		classification: cls,
		correlationID:  in.RequestID,
		started:        start,
		request: &audit.RequestContext{
			IP:        in.ClientIP,
			UserAgent: in.UserAgent,
			SessionID: in.SessionID,
			Endpoint:  endpoint,
			Method:    in.Method,
		},
		metadata: clientMetadata(in.UserAgent),
	}
	if op.correlationID == "" {
		op.correlationID = uuid.NewString()
	}
	if len(cls.SensitiveFields) > 0 {
		op.metadata["sensitiveFields"] = cls.SensitiveFields
	}

	payload := c.payload(op)
	if err := c.emit(ctx, op, audit.EventOperationStart, payload, start); err != nil {
		c.fail(ctx, "start", &in, err)
	}
	return op
}

func (c *Capturer) finish(ctx context.Context, op *operation, opErr error) {
	defer c.guard(ctx, "completion", &op.in)

	payload := c.payload(op)
	payload.Duration = c.now().Sub(op.started)
	eventType := audit.EventOperationSuccess
	payload.StatusCode = http.StatusOK
	if opErr != nil {
		eventType = audit.EventOperationError
		status := StatusOf(opErr)
		payload.StatusCode = status
		payload.Error = &audit.OperationError{Message: opErr.Error(), Status: status}
		var se *StatusError
		if errors.As(opErr, &se) {
			payload.Error.Code = se.Code
		}
	}
	if err := c.emit(ctx, op, eventType, payload, c.now()); err != nil {
		c.fail(ctx, "completion", &op.in, err)
	}
}

func (c *Capturer) payload(op *operation) *audit.Operation {
	cls := op.classification
	p := &audit.Operation{
		Controller: op.in.Controller,
		Method:     op.in.Handler,
		HTTPMethod: op.in.Method,
		Operation:  cls.Operation,
	}
	if p.Controller == "" {
		p.Controller = cls.Entity
	}
	if p.Method == "" {
		p.Method = op.endpoint
	}
	if len(op.in.Params) > 0 {
		p.Params, _ = MaskSensitive(op.in.Params, cls.SensitiveFields).(map[string]any)
	}
	if cls.CaptureBody && op.in.Body != nil {
		p.Body = MaskSensitive(op.in.Body, cls.SensitiveFields)
	}
	return p
}

func (c *Capturer) emit(ctx context.Context, op *operation, eventType audit.EventType, payload *audit.Operation, at time.Time) error {
	cls := op.classification
	md := make(map[string]any, len(op.metadata)+1)
	for k, v := range op.metadata {
		md[k] = v
	}
	if payload.Error != nil {
		md["error"] = map[string]any{"message": payload.Error.Message, "status": payload.Error.Status}
	}

	opts := []audit.Option{
		audit.WithRisk(cls.Risk),
		audit.WithCorrelationID(op.correlationID),
		audit.WithUserID(op.in.UserID),
		audit.WithEntityID(op.in.EntityID),
		audit.WithRequest(op.request),
		audit.WithMetadata(md),
		audit.WithTimestamp(at.UTC()),
	}
	if cls.LGPDRelevant {
		opts = append(opts, audit.WithLGPD())
	}
	e, err := audit.NewOperationEvent(eventType, cls.Entity, payload, opts...)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	c.dispatcher.Dispatch(ctx, e, nil)
	c.metrics.RecordCaptured(string(e.Type), string(e.Risk), c.now().Sub(at))
	return nil
}

func (c *Capturer) duplicate(ctx context.Context, in Inbound) bool {
	if c.dedup == nil {
		return false
	}
	_, first, err := c.dedup.TryMark(ctx, dedup.Key(in.Method, in.Route, in.UserID, in.ClientIP))
	if err != nil {
		c.logger.WarnContext(ctx, "audit dedup check failed, capturing anyway", "error", err)
		return false
	}
	return !first
}

// guard recovers a panic raised while capturing so the observed operation
// never sees it.
func (c *Capturer) guard(ctx context.Context, phase string, in *Inbound) {
	if rec := recover(); rec != nil {
		c.fail(ctx, phase, in, fmt.Errorf("panic: %v", rec))
	}
}

func (c *Capturer) fail(ctx context.Context, phase string, in *Inbound, err error) {
	c.metrics.RecordCaptureFailure()
	c.logger.ErrorContext(ctx, "audit capture failed",
		"phase", phase, "method", in.Method, "route", in.Route, "error", err)
}

// StatusOf returns the status carried by err, or 500.
func StatusOf(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

func clientMetadata(ua string) map[string]any {
	md := map[string]any{}
	if ua == "" {
		return md
	}
	parsed := useragent.New(ua)
	browser, version := parsed.Browser()
	md["client"] = map[string]any{
		"browser":        browser,
		"browserVersion": version,
		"os":             parsed.OS(),
		"mobile":         parsed.Mobile(),
		"bot":            parsed.Bot(),
	}
	return md
}
