package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditrail/pkg/platform/audit/metrics"
)

// recordingQueue captures retry delays on top of a MemoryQueue.
type recordingQueue struct {
	*MemoryQueue
	mu     sync.Mutex
	delays []time.Duration
}

func (q *recordingQueue) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	q.mu.Lock()
	q.delays = append(q.delays, delay)
	q.mu.Unlock()
	return q.MemoryQueue.Retry(ctx, job, delay, cause)
}

type failureRecorder struct {
	mu     sync.Mutex
	jobs   []*Job
	causes []error
	err    error
}

func (f *failureRecorder) HandleFailure(_ context.Context, job *Job, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	f.causes = append(f.causes, cause)
	return f.err
}

func newRunnerFixture(t *testing.T, h Handler) (*Runner, *recordingQueue, *failureRecorder, *manualClock, *metrics.Metrics) {
	t.Helper()
	clock := newManualClock()
	mq, err := NewMemoryQueue(nil, WithMemoryClock(clock.Now))
	require.NoError(t, err)
	q := &recordingQueue{MemoryQueue: mq}
	failures := &failureRecorder{}
	m := metrics.New()
	r, err := NewRunner(q, nil, h,
		WithFailureHandler(failures),
		WithMetrics(m),
		WithJitter(func() float64 { return 0 }),
		WithRunnerClock(clock.Now),
	)
	require.NoError(t, err)
	return r, q, failures, clock, m
}

// drain processes jobs from lane, advancing the clock past each backoff.
func drain(t *testing.T, r *Runner, clock *manualClock, lane LaneName) int {
	t.Helper()
	ctx := context.Background()
	claims := 0
	for i := 0; i < 50; i++ {
		ok, err := r.ProcessNext(ctx, lane)
		require.NoError(t, err)
		if ok {
			claims++
			continue
		}
		depth, err := r.queue.Depth(ctx, lane)
		require.NoError(t, err)
		if depth == 0 {
			return claims
		}
		clock.Advance(time.Hour)
	}
	t.Fatal("queue did not drain")
	return claims
}

func TestRunner_TransientFailureExhaustsLaneAttempts(t *testing.T) {
	var calls atomic.Int32
	transient := errors.New("connection refused")
	r, q, failures, clock, m := newRunnerFixture(t, HandlerFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return transient
	}))

	job, err := q.Enqueue(context.Background(), LaneDefault, payload(0))
	require.NoError(t, err)

	claims := drain(t, r, clock, LaneDefault)

	assert.Equal(t, 3, claims)
	assert.Equal(t, int32(3), calls.Load())

	require.Len(t, q.delays, 2)
	assert.Less(t, q.delays[0], q.delays[1], "backoff must increase")

	require.Len(t, failures.jobs, 1, "failure handler runs exactly once")
	assert.Equal(t, job.ID, failures.jobs[0].ID)
	assert.Equal(t, 3, failures.jobs[0].AttemptsMade)
	assert.ErrorIs(t, failures.causes[0], transient)

	assert.Len(t, q.Failed(LaneDefault), 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StageEvents.WithLabelValues(metrics.StageProcess, metrics.OutcomeFailure)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues(string(job.Payload.Event.Type), metrics.OutcomeFailure)))
}

func TestRunner_CriticalLaneUsesItsOwnAttempts(t *testing.T) {
	r, q, failures, clock, _ := newRunnerFixture(t, HandlerFunc(func(context.Context, *Job) error {
		return errors.New("timeout")
	}))
	_, err := q.Enqueue(context.Background(), LaneCritical, payload(0))
	require.NoError(t, err)

	assert.Equal(t, 5, drain(t, r, clock, LaneCritical))
	assert.Len(t, failures.jobs, 1)
}

func TestRunner_PermanentFailureSkipsRetries(t *testing.T) {
	r, q, failures, clock, _ := newRunnerFixture(t, HandlerFunc(func(context.Context, *Job) error {
		return Permanent(errors.New("missing entityName"))
	}))
	_, err := q.Enqueue(context.Background(), LaneDefault, payload(0))
	require.NoError(t, err)

	assert.Equal(t, 1, drain(t, r, clock, LaneDefault))
	assert.Empty(t, q.delays)
	require.Len(t, failures.jobs, 1)
	assert.True(t, IsPermanent(failures.causes[0]))
}

func TestRunner_SuccessAcknowledges(t *testing.T) {
	r, q, failures, clock, m := newRunnerFixture(t, HandlerFunc(func(context.Context, *Job) error { return nil }))
	_, err := q.Enqueue(context.Background(), LaneSensitive, payload(0))
	require.NoError(t, err)

	assert.Equal(t, 1, drain(t, r, clock, LaneSensitive))
	assert.Empty(t, failures.jobs)

	stats, err := q.Stats(context.Background(), LaneSensitive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageEvents.WithLabelValues(metrics.StageProcess, metrics.OutcomeSuccess)))
}

type successRecorder struct {
	mu   sync.Mutex
	jobs []*Job
}

func (s *successRecorder) HandleSuccess(_ context.Context, job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// ackFailingQueue refuses every Ack.
type ackFailingQueue struct {
	*MemoryQueue
}

func (ackFailingQueue) Ack(context.Context, *Job) error { return errors.New("connection reset") }

func TestRunner_SuccessHandlerRunsAfterAck(t *testing.T) {
	newRunner := func(t *testing.T, q Queue, h Handler) (*Runner, *successRecorder) {
		t.Helper()
		succeeded := &successRecorder{}
		r, err := NewRunner(q, nil, h, WithSuccessHandler(succeeded), WithJitter(func() float64 { return 0 }))
		require.NoError(t, err)
		return r, succeeded
	}

	t.Run("acknowledged job", func(t *testing.T) {
		q, err := NewMemoryQueue(nil)
		require.NoError(t, err)
		r, succeeded := newRunner(t, q, HandlerFunc(func(context.Context, *Job) error { return nil }))
		job, err := q.Enqueue(context.Background(), LaneDefault, payload(0))
		require.NoError(t, err)

		ok, err := r.ProcessNext(context.Background(), LaneDefault)
		require.NoError(t, err)
		require.True(t, ok)

		require.Len(t, succeeded.jobs, 1)
		assert.Equal(t, job.ID, succeeded.jobs[0].ID)
	})

	t.Run("failed job", func(t *testing.T) {
		q, err := NewMemoryQueue(nil)
		require.NoError(t, err)
		r, succeeded := newRunner(t, q, HandlerFunc(func(context.Context, *Job) error { return Permanent(errors.New("bad")) }))
		_, err = q.Enqueue(context.Background(), LaneDefault, payload(0))
		require.NoError(t, err)

		_, err = r.ProcessNext(context.Background(), LaneDefault)
		require.NoError(t, err)
		assert.Empty(t, succeeded.jobs)
	})

	t.Run("ack that does not land", func(t *testing.T) {
		mq, err := NewMemoryQueue(nil)
		require.NoError(t, err)
		r, succeeded := newRunner(t, ackFailingQueue{mq}, HandlerFunc(func(context.Context, *Job) error { return nil }))
		_, err = mq.Enqueue(context.Background(), LaneDefault, payload(0))
		require.NoError(t, err)

		_, err = r.ProcessNext(context.Background(), LaneDefault)
		require.NoError(t, err)
		assert.Empty(t, succeeded.jobs, "the job may run again, so nothing is reported yet")
	})
}

func TestRunner_RecoversFromHandlerPanic(t *testing.T) {
	attempts := 0
	r, q, failures, clock, _ := newRunnerFixture(t, HandlerFunc(func(context.Context, *Job) error {
		attempts++
		if attempts == 1 {
			panic("boom")
		}
		return nil
	}))
	_, err := q.Enqueue(context.Background(), LaneDefault, payload(0))
	require.NoError(t, err)

	assert.Equal(t, 2, drain(t, r, clock, LaneDefault))
	assert.Empty(t, failures.jobs)
}

func TestRunner_ProcessingIgnoresCancellation(t *testing.T) {
	var sawCancel atomic.Bool
	r, q, _, _, _ := newRunnerFixture(t, HandlerFunc(func(ctx context.Context, _ *Job) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}))
	_, err := q.Enqueue(context.Background(), LaneDefault, payload(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := r.ProcessNext(ctx, LaneDefault)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, sawCancel.Load())
}

func TestRunner_RunProcessesAllLanesUntilCancelled(t *testing.T) {
	q, err := NewMemoryQueue(nil)
	require.NoError(t, err)

	var processed atomic.Int32
	done := make(chan struct{})
	r, err := NewRunner(q, nil, HandlerFunc(func(context.Context, *Job) error {
		if processed.Add(1) == 4 {
			close(done)
		}
		return nil
	}), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	for _, lane := range []LaneName{LaneDefault, LaneCritical, LaneSensitive, LaneBatch} {
		_, err := q.Enqueue(context.Background(), lane, payload(0))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not process every lane")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}
