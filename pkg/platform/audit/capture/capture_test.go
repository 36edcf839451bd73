package capture

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/classifier"
	"auditrail/pkg/platform/audit/dedup"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/requestcontext"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []audit.Event
	panics bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e audit.Event, _ *queue.JobConfig) {
	if d.panics {
		panic("dispatcher exploded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *recordingDispatcher) Events() []audit.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audit.Event(nil), d.events...)
}

func newCapturer(t *testing.T, opts ...Option) (*Capturer, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	cls, err := classifier.New(classifier.DefaultRoutes())
	require.NoError(t, err)
	return New(cls, d, opts...), d
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/v1/cidadao/123", "/api/v1/cidadao/:id"},
		{"/api/v1/cidadao/123?include=beneficios", "/api/v1/cidadao/:id"},
		{"/api/v1/beneficios/9f1c2a7e-3b4d-4c5e-8f90-1a2b3c4d5e6f/pagamentos/77", "/api/v1/beneficios/:uuid/pagamentos/:id"},
		{"/api/v1/cidadao/", "/api/v1/cidadao/"},
		{"api/v2/users/abc123", "/api/v2/users/abc123"},
		{"", "/"},
		{"?x=1", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEndpoint(tt.in))
		})
	}
}

func TestEntityIDFromPath(t *testing.T) {
	assert.Equal(t, "123", EntityIDFromPath("/api/v1/cidadao/123?x=9"))
	assert.Equal(t, "9f1c2a7e-3b4d-4c5e-8f90-1a2b3c4d5e6f", EntityIDFromPath("/beneficios/9f1c2a7e-3b4d-4c5e-8f90-1a2b3c4d5e6f"))
	assert.Empty(t, EntityIDFromPath("/api/v1/cidadao"))
}

func TestMaskSensitive(t *testing.T) {
	body := map[string]any{
		"nome":  "Maria Silva",
		"CPF":   "12345678901",
		"email": "maria@x.com",
		"senha": "hunter2",
		"endereco": map[string]any{
			"rua": "Rua A",
		},
		"dependentes": []any{
			map[string]any{"nome": "João", "cpf": "98765432100"},
		},
	}

	masked := MaskSensitive(body, []string{"cpf", "email", "endereco"}).(map[string]any)

	assert.Equal(t, "Maria Silva", masked["nome"])
	assert.Equal(t, MaskedValue, masked["CPF"], "matching is case-insensitive")
	assert.Equal(t, MaskedValue, masked["email"])
	assert.Equal(t, MaskedValue, masked["senha"], "credentials are always masked")
	assert.Equal(t, MaskedValue, masked["endereco"])
	dep := masked["dependentes"].([]any)[0].(map[string]any)
	assert.Equal(t, MaskedValue, dep["cpf"])
	assert.Equal(t, "João", dep["nome"])

	assert.Equal(t, "12345678901", body["CPF"], "input is not modified")
	assert.Equal(t, "plain", MaskSensitive("plain", []string{"cpf"}))
}

func TestTrack_SuccessSharesCorrelationID(t *testing.T) {
	c, d := newCapturer(t)

	err := c.Track(context.Background(), Inbound{Method: http.MethodDelete, Route: "/api/v1/cidadao/123", EntityID: "123", UserID: "u-1"},
		func(context.Context) error { return nil })
	require.NoError(t, err)

	events := d.Events()
	require.Len(t, events, 2)
	start, done := events[0], events[1]
	assert.Equal(t, audit.EventOperationStart, start.Type)
	assert.Equal(t, audit.EventOperationSuccess, done.Type)
	assert.NotEmpty(t, start.CorrelationID)
	assert.Equal(t, start.CorrelationID, done.CorrelationID)
	assert.NotEqual(t, start.ID, done.ID)
	for _, e := range events {
		assert.Equal(t, audit.RiskCritical, e.Risk)
		assert.Equal(t, "cidadao", e.EntityName)
		assert.Equal(t, "123", e.EntityID)
		assert.Equal(t, "u-1", e.UserID)
		assert.Equal(t, "/api/v1/cidadao/:id", e.Request.Endpoint)
	}
	op, ok := done.Operation()
	require.True(t, ok)
	assert.Equal(t, "delete", op.Operation)
	assert.Equal(t, http.StatusOK, op.StatusCode)
}

func TestTrack_DurationFromWallClockStart(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c, d := newCapturer(t, WithClock(clock))

	err := c.Track(context.Background(), Inbound{Method: http.MethodGet, Route: "/api/v1/beneficios"}, func(context.Context) error {
		mu.Lock()
		now = now.Add(250 * time.Millisecond)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	events := d.Events()
	require.Len(t, events, 2)
	op, _ := events[1].Operation()
	assert.Equal(t, 250*time.Millisecond, op.Duration)
	assert.Equal(t, audit.RiskMedium, events[1].Risk)
}

func TestTrack_StartsAtRequestArrival(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, d := newCapturer(t, WithClock(func() time.Time { return now }))
	ctx := requestcontext.WithTime(context.Background(), now.Add(-40*time.Millisecond))

	require.NoError(t, c.Track(ctx, Inbound{Method: http.MethodGet, Route: "/api/v1/beneficios"},
		func(context.Context) error { return nil }))

	events := d.Events()
	require.Len(t, events, 2)
	op, _ := events[1].Operation()
	assert.Equal(t, 40*time.Millisecond, op.Duration, "time spent in outer middleware counts")
}

func TestTrack_ErrorEventCarriesStatus(t *testing.T) {
	c, d := newCapturer(t)
	cause := &StatusError{Status: http.StatusBadRequest, Code: "INVALID_CPF", Message: "cpf inválido"}

	err := c.Track(context.Background(), Inbound{Method: http.MethodPost, Route: "/api/v1/cidadao"},
		func(context.Context) error { return cause })
	assert.Same(t, cause, err, "the operation error is returned unchanged")

	events := d.Events()
	require.Len(t, events, 2)
	failed := events[1]
	assert.Equal(t, audit.EventOperationError, failed.Type)
	assert.Equal(t, audit.RiskHigh, failed.Risk)
	assert.Equal(t, map[string]any{"message": "cpf inválido", "status": 400}, failed.Metadata["error"])
	op, _ := failed.Operation()
	require.NotNil(t, op.Error)
	assert.Equal(t, "INVALID_CPF", op.Error.Code)
	assert.Equal(t, 400, op.StatusCode)
}

func TestTrack_PlainErrorIsStatus500(t *testing.T) {
	c, d := newCapturer(t)
	_ = c.Track(context.Background(), Inbound{Method: http.MethodPut, Route: "/api/v1/pagamentos/4"},
		func(context.Context) error { return errors.New("db down") })

	events := d.Events()
	require.Len(t, events, 2)
	assert.Equal(t, 500, events[1].Metadata["error"].(map[string]any)["status"])
}

func TestTrack_SkipRoutesProduceNothing(t *testing.T) {
	c, d := newCapturer(t)
	called := false
	err := c.Track(context.Background(), Inbound{Method: http.MethodGet, Route: "/health"}, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, d.Events())
}

func TestTrack_CaptureFailuresNeverReachTheOperation(t *testing.T) {
	m := metrics.New()
	c, d := newCapturer(t, WithMetrics(m))
	d.panics = true

	called := false
	err := c.Track(context.Background(), Inbound{Method: http.MethodPost, Route: "/api/v1/cidadao"}, func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StageEvents.WithLabelValues(metrics.StageCapture, metrics.OutcomeFailure)))
}

func TestTrack_HandlerPanicEmitsErrorAndRepanics(t *testing.T) {
	c, d := newCapturer(t)

	assert.PanicsWithValue(t, "nil map", func() {
		_ = c.Track(context.Background(), Inbound{Method: http.MethodPatch, Route: "/api/v1/beneficios/8"}, func(context.Context) error {
			panic("nil map")
		})
	})

	events := d.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventOperationError, events[1].Type)
	assert.Equal(t, 500, events[1].Metadata["error"].(map[string]any)["status"])
}

func TestTrack_Dedup(t *testing.T) {
	cache := dedup.NewMemoryCache(time.Minute)
	c, d := newCapturer(t, WithDedup(cache))
	in := Inbound{Method: http.MethodPost, Route: "/api/v1/cidadao", UserID: "u-1", ClientIP: "203.0.113.7"}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Track(context.Background(), in, func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	assert.Len(t, d.Events(), 2, "only one request produces start and success events")

	cache.Clear()
	require.NoError(t, c.Track(context.Background(), in, func(context.Context) error { return nil }))
	assert.Len(t, d.Events(), 4)

	other := in
	other.UserID = "u-2"
	require.NoError(t, c.Track(context.Background(), other, func(context.Context) error { return nil }))
	assert.Len(t, d.Events(), 6, "a different user is a different request")
}

func TestTrack_RequestIDBecomesCorrelationID(t *testing.T) {
	c, d := newCapturer(t)
	in := Inbound{Method: http.MethodGet, Route: "/api/v1/solicitacoes", RequestID: "req-9"}
	require.NoError(t, c.Track(context.Background(), in, func(context.Context) error { return nil }))
	assert.Equal(t, "req-9", d.Events()[0].CorrelationID)
}

func TestClientMetadata(t *testing.T) {
	md := clientMetadata("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	client, ok := md["client"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Chrome", client["browser"])
	assert.Equal(t, false, client["mobile"])

	assert.Empty(t, clientMetadata(""))
}
