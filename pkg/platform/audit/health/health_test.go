package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/notify"
	"auditrail/pkg/platform/audit/queue"
)

type fakeBroker struct {
	mu    sync.Mutex
	err   error
	depth map[queue.LaneName]int64
}

func (b *fakeBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBroker) Stats(_ context.Context, lane queue.LaneName) (queue.LaneStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return queue.LaneStats{}, b.err
	}
	return queue.LaneStats{Waiting: b.depth[lane]}, nil
}

func (b *fakeBroker) set(err error, depth map[queue.LaneName]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err, b.depth = err, depth
}

type fakeDB struct {
	pingErr  error
	statsErr error
}

func (d fakeDB) Ping(context.Context) error { return d.pingErr }
func (d fakeDB) Stats(context.Context) (audit.StoreStats, error) {
	return audit.StoreStats{TotalRecords: 42}, d.statsErr
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingDispatcher) Dispatch(_ context.Context, e audit.Event, _ *queue.JobConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingDispatcher) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type pager struct {
	sent []notify.Notification
}

func (p *pager) Notify(_ context.Context, n notify.Notification) error {
	p.sent = append(p.sent, n)
	return nil
}

// busyMetrics returns metrics showing a working pipeline.
func busyMetrics() *metrics.Metrics {
	m := metrics.New()
	for i := 0; i < 10; i++ {
		m.RecordCaptured("operation.success", "LOW", time.Millisecond)
		m.RecordProcessed("operation.success", 20*time.Millisecond)
	}
	return m
}

func TestCheck_Healthy(t *testing.T) {
	m := busyMetrics()
	d := &recordingDispatcher{}
	c := New(&fakeBroker{}, fakeDB{}, m, WithDispatcher(d))

	r := c.Check(context.Background())

	assert.Equal(t, StatusHealthy, r.Status)
	assert.Empty(t, r.Alerts)
	for _, name := range []string{ComponentBroker, ComponentDatabase, ComponentQueue, ComponentWorker, ComponentCapture} {
		assert.Equal(t, StatusHealthy, r.Components[name].Status, name)
	}
	assert.Equal(t, int64(10), r.Metrics.Processed)
	assert.Equal(t, []audit.EventType{audit.EventHealthChecked}, d.types())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.HealthStatus.WithLabelValues("overall")))
}

func TestCheck_CriticalAlertsOnceAndRecovers(t *testing.T) {
	m := busyMetrics()
	broker := &fakeBroker{}
	d := &recordingDispatcher{}
	p := &pager{}
	c := New(broker, fakeDB{}, m, WithDispatcher(d), WithNotifier(p))
	ctx := context.Background()

	broker.set(errors.New("dial tcp: connection refused"), nil)
	first := c.Check(ctx)
	second := c.Check(ctx)

	assert.Equal(t, StatusCritical, first.Status)
	assert.Equal(t, StatusCritical, second.Status)
	assert.Equal(t, StatusCritical, first.Components[ComponentBroker].Status)
	assert.Contains(t, first.Alerts[0], "broker critical")
	assert.Equal(t, []audit.EventType{
		audit.EventSystemAlert, audit.EventHealthChecked, audit.EventHealthChecked,
	}, d.types(), "the alert fires only on entering critical")
	require.Len(t, p.sent, 1)
	assert.Equal(t, notify.ChannelPager, p.sent[0].Channel)
	assert.Equal(t, notify.KindHealthAlert, p.sent[0].Kind)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.HealthStatus.WithLabelValues(ComponentBroker)))

	broker.set(nil, nil)
	third := c.Check(ctx)
	assert.Equal(t, StatusHealthy, third.Status)

	broker.set(errors.New("dial tcp: connection refused"), nil)
	c.Check(ctx)
	assert.Len(t, p.sent, 2, "a new episode alerts again")
}

func TestCheck_Queue(t *testing.T) {
	t.Run("backlog above warning degrades", func(t *testing.T) {
		broker := &fakeBroker{depth: map[queue.LaneName]int64{queue.LaneDefault: 800, queue.LaneBatch: 300}}
		c := New(broker, fakeDB{}, busyMetrics())

		r := c.Check(context.Background())

		assert.Equal(t, StatusDegraded, r.Components[ComponentQueue].Status)
		assert.Equal(t, int64(1100), r.Components[ComponentQueue].Details["depth"])
		assert.Equal(t, StatusDegraded, r.Status)
	})

	t.Run("backlog above critical is critical", func(t *testing.T) {
		broker := &fakeBroker{depth: map[queue.LaneName]int64{queue.LaneCritical: 30}}
		c := New(broker, fakeDB{}, busyMetrics(), WithThresholds(Thresholds{QueueSizeWarning: 10, QueueSizeCritical: 25}))

		r := c.Check(context.Background())

		assert.Equal(t, StatusCritical, r.Components[ComponentQueue].Status)
	})
}

func TestCheck_WorkerLiveness(t *testing.T) {
	t.Run("backlog with nothing processed means workers are stuck", func(t *testing.T) {
		m := metrics.New()
		m.RecordCaptured("operation.success", "LOW", time.Millisecond)
		broker := &fakeBroker{depth: map[queue.LaneName]int64{queue.LaneDefault: 5}}

		r := New(broker, fakeDB{}, m).Check(context.Background())

		assert.Equal(t, StatusCritical, r.Components[ComponentWorker].Status)
		assert.Contains(t, r.Components[ComponentWorker].Message, "no jobs processed")
	})

	t.Run("high error rate is critical", func(t *testing.T) {
		m := busyMetrics()
		for i := 0; i < 3; i++ {
			m.RecordFailed("operation.success")
		}

		r := New(&fakeBroker{}, fakeDB{}, m).Check(context.Background())

		assert.Equal(t, StatusCritical, r.Components[ComponentWorker].Status)
		assert.Contains(t, r.Components[ComponentWorker].Message, "error rate")
	})

	t.Run("slow processing degrades", func(t *testing.T) {
		m := metrics.New()
		m.RecordCaptured("operation.success", "LOW", time.Millisecond)
		m.RecordProcessed("operation.success", 2*time.Second)

		r := New(&fakeBroker{}, fakeDB{}, m).Check(context.Background())

		assert.Equal(t, StatusDegraded, r.Components[ComponentWorker].Status)
	})
}

func TestCheck_CaptureAndDatabase(t *testing.T) {
	t.Run("no captures in the window degrades", func(t *testing.T) {
		r := New(&fakeBroker{}, fakeDB{}, metrics.New()).Check(context.Background())
		assert.Equal(t, StatusDegraded, r.Components[ComponentCapture].Status)
	})

	t.Run("unreachable database is critical", func(t *testing.T) {
		r := New(&fakeBroker{}, fakeDB{pingErr: errors.New("no route")}, busyMetrics()).Check(context.Background())
		assert.Equal(t, StatusCritical, r.Components[ComponentDatabase].Status)
	})

	t.Run("missing statistics degrade", func(t *testing.T) {
		r := New(&fakeBroker{}, fakeDB{statsErr: errors.New("permission denied")}, busyMetrics()).Check(context.Background())
		assert.Equal(t, StatusDegraded, r.Components[ComponentDatabase].Status)
	})

	t.Run("no database configured", func(t *testing.T) {
		r := New(&fakeBroker{}, nil, busyMetrics()).Check(context.Background())
		assert.Equal(t, StatusHealthy, r.Components[ComponentDatabase].Status)
	})
}

func TestHandler(t *testing.T) {
	broker := &fakeBroker{}
	c := New(broker, fakeDB{}, busyMetrics())

	serve := func() (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		c.Handler(0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := serve()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["components"], "broker")
	assert.Contains(t, body, "alerts")

	broker.set(errors.New("down"), nil)
	rec, body = serve()
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "critical", body["status"])
}

func TestWorst(t *testing.T) {
	assert.Equal(t, StatusDegraded, Worst(StatusHealthy, StatusDegraded))
	assert.Equal(t, StatusCritical, Worst(StatusCritical, StatusDegraded))
	assert.Equal(t, StatusHealthy, Worst(StatusHealthy, StatusHealthy))
}
