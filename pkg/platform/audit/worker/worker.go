// Package worker processes queued audit jobs into persisted records.
//
// A job moves through received, validated, enriched, compressed, signed,
// persisted and post-processed before the runner acknowledges it. Validation
// failures are permanent. Compression and signing failures degrade (the
// record is kept uncompressed or carries a checksum instead of a signature)
// and are flagged in the record metadata. Persistence is idempotent by event
// id: a record that already exists is not written again and its
// post-processing is skipped.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/notify"
	"auditrail/pkg/platform/audit/queue"
)

// PipelineVersion is written into every record's processing metadata.
const PipelineVersion = "1"

// Store persists audit records.
type Store interface {
	// SaveRecord writes rec unless a record with the same event id exists.
	// It reports whether a row was inserted.
	SaveRecord(ctx context.Context, rec audit.Record) (bool, error)
}

// Notifier receives post-processing notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Processor is the queue.Handler that turns jobs into records.
type Processor struct {
	store      Store
	signer     Signer
	compressor *Compressor
	notifier   Notifier
	retention  RetentionPolicy
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithSigner sets the record signer. Without one, signed jobs fall back to a
// checksum.
func WithSigner(s Signer) Option {
	return func(p *Processor) { p.signer = s }
}

// WithCompressor replaces the default compressor.
func WithCompressor(c *Compressor) Option {
	return func(p *Processor) { p.compressor = c }
}

// WithNotifier sets where post-processing notifications go.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithRetention replaces the default retention policy.
func WithRetention(r RetentionPolicy) Option {
	return func(p *Processor) { p.retention = r }
}

// WithTracer sets the tracer used for per-job spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor writing to store.
func NewProcessor(store Store, opts ...Option) *Processor {
	p := &Processor{
		store:      store,
		compressor: NewCompressor(0),
		retention:  DefaultRetention(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:     otel.Tracer("auditrail/worker"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements queue.Handler.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	e := job.Payload.Event
	ctx, span := p.tracer.Start(ctx, "audit.process", trace.WithAttributes(
		attribute.String("audit.event_id", e.ID),
		attribute.String("audit.event_type", string(e.Type)),
		attribute.String("audit.risk_level", string(e.Risk)),
		attribute.String("audit.lane", string(job.Lane)),
		attribute.Int("audit.attempt", job.AttemptsMade),
	))
	defer span.End()

	err := p.process(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Processor) process(ctx context.Context, job *queue.Job) error {
	e := job.Payload.Event
	cfg := job.Config()
	eventType := string(e.Type)

	if err := p.stage(eventType, metrics.StageValidate, func() error { return Validate(e) }); err != nil {
		return queue.Permanent(err)
	}

	var rec audit.Record
	err := p.stage(eventType, metrics.StageEnrich, func() error {
		e = p.enrich(e, job)
		var err error
		rec, err = audit.NewRecord(e)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		rec.CreatedAt = p.now().UTC()
		rec.RetainUntil = p.retention.RetainUntil(rec)
		return nil
	})
	if err != nil {
		return queue.Permanent(err)
	}

	if cfg.Compress {
		p.compress(ctx, &rec)
	} else {
		p.metrics.RecordStage(metrics.StageCompress, metrics.OutcomeSkipped)
	}
	if cfg.Sign {
		p.sign(ctx, &rec)
	} else {
		p.metrics.RecordStage(metrics.StageSign, metrics.OutcomeSkipped)
	}

	var inserted bool
	err = p.stage(eventType, metrics.StagePersist, func() error {
		var err error
		inserted, err = p.store.SaveRecord(ctx, rec)
		return err
	})
	if err != nil {
		return fmt.Errorf("persist audit record %s: %w", rec.EventID, err)
	}
	if !inserted {
		p.metrics.RecordStage(metrics.StagePost, metrics.OutcomeSkipped)
		p.logger.DebugContext(ctx, "audit record already persisted, skipping post-processing",
			"event_id", rec.EventID, "event_type", rec.EventType)
		return nil
	}

	p.postProcess(ctx, e, rec)
	return nil
}

// stage runs fn and records its duration and outcome.
func (p *Processor) stage(eventType, stage string, fn func() error) error {
	start := p.now()
	err := fn()
	p.metrics.ObserveStage(eventType, stage, p.now().Sub(start))
	if err != nil {
		p.metrics.RecordStage(stage, metrics.OutcomeFailure)
		return err
	}
	p.metrics.RecordStage(stage, metrics.OutcomeSuccess)
	return nil
}

// enrich fills defaults and stamps processing metadata. The event's metadata
// map is copied so the queued payload is never mutated.
func (p *Processor) enrich(e audit.Event, job *queue.Job) audit.Event {
	md := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md["processing"] = map[string]any{
		"lane":            string(job.Lane),
		"attempt":         job.AttemptsMade,
		"processedAt":     p.now().UTC().Format(time.RFC3339Nano),
		"pipelineVersion": PipelineVersion,
	}
	e.Metadata = md
	if e.Risk == "" {
		e.Risk = audit.RiskLow
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

func (p *Processor) compress(ctx context.Context, rec *audit.Record) {
	start := p.now()
	compressed, err := p.compressor.Compress(rec)
	p.metrics.ObserveStage(string(rec.EventType), metrics.StageCompress, p.now().Sub(start))
	switch {
	case err != nil:
		rec.Metadata["compressionFailed"] = true
		p.metrics.RecordStage(metrics.StageCompress, metrics.OutcomeFallback)
		p.logger.WarnContext(ctx, "audit compression failed, storing uncompressed",
			"event_id", rec.EventID, "error", err)
	case compressed:
		p.metrics.RecordStage(metrics.StageCompress, metrics.OutcomeSuccess)
	default:
		p.metrics.RecordStage(metrics.StageCompress, metrics.OutcomeSkipped)
	}
}

func (p *Processor) sign(ctx context.Context, rec *audit.Record) {
	start := p.now()
	defer func() {
		p.metrics.ObserveStage(string(rec.EventType), metrics.StageSign, p.now().Sub(start))
	}()

	var signErr error
	if p.signer != nil {
		sig, err := p.signer.Sign(*rec)
		if err == nil {
			rec.Signature = sig
			rec.SignatureAlgorithm = p.signer.Algorithm()
			p.metrics.RecordStage(metrics.StageSign, metrics.OutcomeSuccess)
			return
		}
		signErr = err
	} else {
		signErr = ErrNoSigningKey
	}

	sum, err := Checksum(*rec)
	if err != nil {
		rec.Metadata["signatureFailed"] = true
		p.metrics.RecordStage(metrics.StageSign, metrics.OutcomeFailure)
		p.logger.ErrorContext(ctx, "audit record stored unsigned",
			"event_id", rec.EventID, "sign_error", signErr, "checksum_error", err)
		return
	}
	rec.Signature = sum
	rec.SignatureAlgorithm = AlgorithmChecksum
	rec.Metadata["signatureFallback"] = true
	p.metrics.RecordStage(metrics.StageSign, metrics.OutcomeFallback)
	p.logger.WarnContext(ctx, "audit signing failed, stored checksum instead",
		"event_id", rec.EventID, "error", signErr)
}

// postProcess emits the record-created, critical and compliance
// notifications. The record is already durable, so failures are logged and
// never fail the job.
func (p *Processor) postProcess(ctx context.Context, e audit.Event, rec audit.Record) {
	start := p.now()
	defer func() {
		p.metrics.ObserveStage(string(e.Type), metrics.StagePost, p.now().Sub(start))
	}()
	if p.notifier == nil {
		p.metrics.RecordStage(metrics.StagePost, metrics.OutcomeSuccess)
		return
	}

	notes := []notify.Notification{
		p.recordCreated(e, rec),
	}
	if e.Risk == audit.RiskCritical {
		n := notify.ForEvent(notify.KindCriticalEvent, notify.ChannelAlerts, e, "critical audit event: "+rec.Description)
		n.Details = map[string]any{"operationType": rec.OperationType, "endpoint": endpoint(e)}
		notes = append(notes, n)
	}
	if e.LGPDRelevant {
		notes = append(notes, complianceReview(e, rec))
	}

	failed := false
	for _, n := range notes {
		if err := p.notifier.Notify(ctx, n); err != nil {
			failed = true
			p.logger.ErrorContext(ctx, "audit post-processing notification failed",
				"event_id", e.ID, "kind", n.Kind, "channel", n.Channel, "error", err)
		}
	}
	if failed {
		p.metrics.RecordStage(metrics.StagePost, metrics.OutcomeFailure)
		return
	}
	p.metrics.RecordStage(metrics.StagePost, metrics.OutcomeSuccess)
}

func (p *Processor) recordCreated(e audit.Event, rec audit.Record) notify.Notification {
	n := notify.ForEvent(notify.KindRecordCreated, notify.ChannelRecords, e, rec.Description)
	n.Details = map[string]any{
		"operationType":      rec.OperationType,
		"signatureAlgorithm": rec.SignatureAlgorithm,
		"retainUntil":        rec.RetainUntil,
	}
	return n
}

func complianceReview(e audit.Event, rec audit.Record) notify.Notification {
	findings := ComplianceFindings(e)
	n := notify.ForEvent(notify.KindComplianceScan, notify.ChannelCompliance, e, "personal data processed: "+rec.Description)
	if len(findings) > 0 {
		n.Severity = audit.MaxRisk(n.Severity, audit.RiskHigh)
		n.Message = "personal data processed with findings: " + strings.Join(findings, "; ")
	}
	details := map[string]any{"findings": findings, "retainUntil": rec.RetainUntil}
	if fields, ok := e.Metadata["sensitiveFields"]; ok {
		details["sensitiveFields"] = fields
	}
	if s, ok := e.Payload.(*audit.SensitiveAccess); ok {
		details["sensitiveFields"] = s.SensitiveFields
		details["legalBasis"] = s.LegalBasis
		details["purpose"] = s.Purpose
	}
	n.Details = details
	return n
}

// ComplianceFindings lists data-protection problems visible in an event:
// personal data touched without an identified actor, or a sensitive field
// that reached the pipeline unmasked.
func ComplianceFindings(e audit.Event) []string {
	var findings []string
	if e.UserID == "" {
		findings = append(findings, "personal data accessed without an identified user")
	}
	op, ok := e.Operation()
	if !ok || op.Body == nil {
		return findings
	}
	for _, field := range sensitiveFields(e.Metadata["sensitiveFields"]) {
		if v, present := lookupField(op.Body, field); present && v != audit.MaskedValue {
			findings = append(findings, "unmasked sensitive field "+field)
		}
	}
	return findings
}

func sensitiveFields(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, f := range t {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// lookupField finds a top-level field case-insensitively.
func lookupField(body any, field string) (any, bool) {
	m, ok := body.(map[string]any)
	if !ok {
		return nil, false
	}
	for k, v := range m {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

func endpoint(e audit.Event) string {
	if e.Request == nil {
		return ""
	}
	return e.Request.Method + " " + e.Request.Endpoint
}
