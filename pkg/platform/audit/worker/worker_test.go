package worker

//go:generate mockgen -source=worker.go -destination=mocks/mocks.go -package=mocks Store,Notifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/notify"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/platform/audit/worker/mocks"
)

// =============================================================================
// Worker Processor Test Suite
// =============================================================================
// Justification for unit tests: the processor decides which failures are
// permanent, which stages degrade instead of failing, and which records
// produce notifications. Those branches are driven through mocked store and
// notifier boundaries; the queue runner is covered in the queue package.

type ProcessorSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	store    *mocks.MockStore
	notifier *mocks.MockNotifier
	metrics  *metrics.Metrics
	signer   *JWTSigner
	ctx      context.Context
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func (s *ProcessorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.metrics = metrics.New()
	s.signer = NewJWTSigner("test-signing-key", "auditrail")
	s.ctx = context.Background()
}

func (s *ProcessorSuite) processor(opts ...Option) *Processor {
	base := []Option{WithMetrics(s.metrics), WithNotifier(s.notifier)}
	return NewProcessor(s.store, append(base, opts...)...)
}

func (s *ProcessorSuite) operationEvent(body any, opts ...audit.Option) audit.Event {
	e, err := audit.NewOperationEvent(audit.EventOperationSuccess, "cidadao", &audit.Operation{
		Controller: "cidadao",
		Method:     "create",
		HTTPMethod: "POST",
		StatusCode: 201,
		Body:       body,
	}, append([]audit.Option{audit.WithUserID("user-1"), audit.WithEntityID("42")}, opts...)...)
	s.Require().NoError(err)
	return e
}

func job(e audit.Event, cfg *queue.JobConfig) *queue.Job {
	return &queue.Job{
		ID:           e.ID,
		Lane:         queue.LaneDefault,
		Payload:      queue.Payload{Event: e, Config: cfg},
		AttemptsMade: 1,
		MaxAttempts:  3,
	}
}

func (s *ProcessorSuite) capture(saved *audit.Record, inserted bool) {
	s.store.EXPECT().SaveRecord(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, rec audit.Record) (bool, error) {
			*saved = rec
			return inserted, nil
		})
}

func (s *ProcessorSuite) collect(into *[]notify.Notification, times int) {
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Times(times).
		DoAndReturn(func(_ context.Context, n notify.Notification) error {
			*into = append(*into, n)
			return nil
		})
}

func (s *ProcessorSuite) stage(stage, outcome string) float64 {
	return testutil.ToFloat64(s.metrics.StageEvents.WithLabelValues(stage, outcome))
}

func (s *ProcessorSuite) TestValidation() {
	s.Run("missing entity name is permanent and nothing is saved", func() {
		e := s.operationEvent(nil)
		e.EntityName = ""

		err := s.processor().Process(s.ctx, job(e, nil))

		s.Require().Error(err)
		s.True(queue.IsPermanent(err))
		s.ErrorIs(err, ErrValidation)
		s.Contains(err.Error(), "EntityName")
	})

	s.Run("unknown risk level is permanent", func() {
		e := s.operationEvent(nil)
		e.Risk = "SEVERE"

		err := s.processor().Process(s.ctx, job(e, nil))

		s.True(queue.IsPermanent(err))
		s.ErrorIs(err, ErrValidation)
	})
}

func (s *ProcessorSuite) TestHappyPath() {
	s.Run("large data is compressed and the record carries a verifiable JWS", func() {
		body := map[string]any{"nome": strings.Repeat("Maria ", 400)}
		e := s.operationEvent(body, audit.WithRisk(audit.RiskMedium))
		var saved audit.Record
		var notes []notify.Notification
		s.capture(&saved, true)
		s.collect(&notes, 1)

		err := s.processor(WithSigner(s.signer)).Process(s.ctx, job(e, nil))

		s.Require().NoError(err)
		s.Equal(e.ID, saved.EventID)
		s.Equal(AlgorithmJWS, saved.SignatureAlgorithm)
		s.NoError(s.signer.Verify(saved, saved.Signature))
		s.Contains(saved.Metadata, "compression")
		s.Contains(saved.Metadata, "processing")
		s.True(saved.RetainUntil.After(saved.Timestamp))

		restored := saved
		restored.Metadata = map[string]any{"compression": saved.Metadata["compression"]}
		s.Require().NoError(Decompress(&restored))
		var data map[string]any
		s.Require().NoError(json.Unmarshal(restored.NewData, &data))
		s.Equal(body, data["body"])

		s.Require().Len(notes, 1)
		s.Equal(notify.KindRecordCreated, notes[0].Kind)
		s.Equal(notify.ChannelRecords, notes[0].Channel)
		s.Equal(e.ID, notes[0].EventID)
		s.Equal(float64(1), s.stage(metrics.StageCompress, metrics.OutcomeSuccess))
		s.Equal(float64(1), s.stage(metrics.StageSign, metrics.OutcomeSuccess))
	})

	s.Run("disabled compression and signing are skipped", func() {
		e := s.operationEvent(map[string]any{"nome": strings.Repeat("x", 4096)})
		var saved audit.Record
		s.capture(&saved, true)
		s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)

		err := s.processor(WithSigner(s.signer)).Process(s.ctx, job(e, &queue.JobConfig{}))

		s.Require().NoError(err)
		s.Empty(saved.Signature)
		s.NotContains(saved.Metadata, "compression")
		s.Contains(string(saved.NewData), strings.Repeat("x", 64))
	})

	s.Run("missing defaults are filled during enrichment", func() {
		e := s.operationEvent(nil)
		e.CorrelationID = ""
		e.Risk = ""
		var saved audit.Record
		s.capture(&saved, true)
		s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)

		s.Require().NoError(s.processor().Process(s.ctx, job(e, nil)))

		s.Equal(e.ID, saved.CorrelationID)
		s.Equal(audit.RiskLow, saved.Risk)
		s.Empty(e.Metadata, "queued payload must not be mutated")
	})
}

func (s *ProcessorSuite) TestDuplicate() {
	s.Run("already persisted record skips post-processing", func() {
		e := s.operationEvent(nil, audit.WithRisk(audit.RiskCritical))
		s.store.EXPECT().SaveRecord(gomock.Any(), gomock.Any()).Return(false, nil)

		err := s.processor().Process(s.ctx, job(e, nil))

		s.NoError(err)
		s.Equal(float64(1), s.stage(metrics.StagePost, metrics.OutcomeSkipped))
	})
}

func (s *ProcessorSuite) TestSigningFallback() {
	s.Run("without a signer the record carries a checksum", func() {
		e := s.operationEvent(nil)
		var saved audit.Record
		s.capture(&saved, true)
		s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)

		s.Require().NoError(s.processor().Process(s.ctx, job(e, nil)))

		s.Equal(AlgorithmChecksum, saved.SignatureAlgorithm)
		sum, err := Checksum(saved)
		s.Require().NoError(err)
		s.Equal(sum, saved.Signature)
		s.Equal(true, saved.Metadata["signatureFallback"])
		s.Equal(float64(1), s.stage(metrics.StageSign, metrics.OutcomeFallback))
	})

	s.Run("a signer without a key falls back too", func() {
		e := s.operationEvent(nil)
		var saved audit.Record
		s.capture(&saved, true)
		s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)

		err := s.processor(WithSigner(NewJWTSigner("", "auditrail"))).Process(s.ctx, job(e, nil))

		s.Require().NoError(err)
		s.Equal(AlgorithmChecksum, saved.SignatureAlgorithm)
	})
}

func (s *ProcessorSuite) TestNotifications() {
	s.Run("critical events alert", func() {
		e := s.operationEvent(nil, audit.WithRisk(audit.RiskCritical))
		var saved audit.Record
		var notes []notify.Notification
		s.capture(&saved, true)
		s.collect(&notes, 2)

		s.Require().NoError(s.processor().Process(s.ctx, job(e, nil)))

		s.Require().Len(notes, 2)
		s.Equal(notify.ChannelAlerts, notes[1].Channel)
		s.Equal(notify.KindCriticalEvent, notes[1].Kind)
		s.Equal(audit.RiskCritical, notes[1].Severity)
	})

	s.Run("personal data events request a compliance review", func() {
		e := s.operationEvent(
			map[string]any{"cpf": "123.456.789-00", "nome": "Maria"},
			audit.WithLGPD(),
			audit.WithMetadata(map[string]any{"sensitiveFields": []string{"cpf"}}),
		)
		var saved audit.Record
		var notes []notify.Notification
		s.capture(&saved, true)
		s.collect(&notes, 2)

		s.Require().NoError(s.processor().Process(s.ctx, job(e, nil)))

		s.Require().Len(notes, 2)
		review := notes[1]
		s.Equal(notify.ChannelCompliance, review.Channel)
		s.Equal(notify.KindComplianceScan, review.Kind)
		s.Equal(audit.RiskHigh, review.Severity)
		s.Equal([]string{"unmarked sensitive field cpf"}, review.Details["findings"])
		s.True(saved.LGPDRelevant)
	})

	s.Run("notification failures never fail the job", func() {
		e := s.operationEvent(nil)
		var saved audit.Record
		s.capture(&saved, true)
		s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

		err := s.processor().Process(s.ctx, job(e, nil))

		s.NoError(err)
		s.Equal(float64(1), s.stage(metrics.StagePost, metrics.OutcomeFailure))
	})
}

func (s *ProcessorSuite) TestPersistFailure() {
	s.Run("store errors are retryable", func() {
		e := s.operationEvent(nil)
		cause := errors.New("connection refused")
		s.store.EXPECT().SaveRecord(gomock.Any(), gomock.Any()).Return(false, cause)

		err := s.processor().Process(s.ctx, job(e, nil))

		s.Require().Error(err)
		s.ErrorIs(err, cause)
		s.False(queue.IsPermanent(err))
		s.Equal(float64(1), s.stage(metrics.StagePersist, metrics.OutcomeFailure))
	})
}

func TestComplianceFindings(t *testing.T) {
	build := func(t *testing.T, body any, user string) audit.Event {
		t.Helper()
		e, err := audit.NewOperationEvent(audit.EventOperationSuccess, "cidadao",
			&audit.Operation{HTTPMethod: "GET", Body: body},
			audit.WithUserID(user), audit.WithLGPD(),
			audit.WithMetadata(map[string]any{"sensitiveFields": []any{"cpf", "rg"}}))
		if err != nil {
			t.Fatal(err)
		}
		return e
	}

	t.Run("masked fields and a known user are clean", func(t *testing.T) {
		e := build(t, map[string]any{"CPF": audit.MaskedValue}, "user-1")
		if got := ComplianceFindings(e); len(got) != 0 {
			t.Fatalf("expected no findings, got %v", got)
		}
	})

	t.Run("anonymous access and raw values are reported", func(t *testing.T) {
		e := build(t, map[string]any{"rg": "12.345.678-9"}, "")
		got := ComplianceFindings(e)
		want := []string{"personal data accessed without an identified user", "unmarked sensitive field rg"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("findings = %v, want %v", got, want)
		}
	})
}

func TestProcessorSpanAndClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	var saved audit.Record
	store.EXPECT().SaveRecord(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, rec audit.Record) (bool, error) {
		saved = rec
		return true, nil
	})

	e, err := audit.NewNoticeEvent(audit.EventAuthFailed, "auth", &audit.Notice{Message: "bad password"},
		audit.WithRisk(audit.RiskHigh), audit.WithTimestamp(fixed))
	if err != nil {
		t.Fatal(err)
	}
	p := NewProcessor(store, WithClock(func() time.Time { return fixed }))
	if err := p.Process(context.Background(), job(e, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !saved.CreatedAt.Equal(fixed) {
		t.Fatalf("created at = %v, want %v", saved.CreatedAt, fixed)
	}
	if want := fixed.Add(DefaultRetention().Default); !saved.RetainUntil.Equal(want) {
		t.Fatalf("retain until = %v, want %v", saved.RetainUntil, want)
	}
}
