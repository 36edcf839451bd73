package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/sentinel"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testEvent(t audit.EventType) audit.Event {
	e, err := audit.NewEntityEvent(t, "cidadao", &audit.EntityChange{NewData: map[string]any{"nome": "Maria"}})
	if err != nil {
		panic(err)
	}
	return e
}

func payload(prio int) Payload {
	return Payload{Event: testEvent(audit.EventEntityCreated), Config: &JobConfig{Compress: true, Sign: true, Priority: prio}}
}

// QueueSuite runs the same contract against every Queue implementation.
type QueueSuite struct {
	suite.Suite
	newQueue func(clock *manualClock) Queue
	clock    *manualClock
	q        Queue
	ctx      context.Context
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = newManualClock()
	s.q = s.newQueue(s.clock)
}

func (s *QueueSuite) TestCriticalLaneDequeuedFirst() {
	_, err := s.q.Enqueue(s.ctx, LaneDefault, payload(0))
	s.Require().NoError(err)
	critical, err := s.q.Enqueue(s.ctx, LaneCritical, payload(0))
	s.Require().NoError(err)

	job, err := s.q.Claim(s.ctx)
	s.Require().NoError(err)
	s.Equal(critical.ID, job.ID)
	s.Equal(LaneCritical, job.Lane)
	s.Equal(1, job.AttemptsMade)
}

func (s *QueueSuite) TestPriorityThenArrivalWithinLane() {
	first, _ := s.q.Enqueue(s.ctx, LaneDefault, payload(0))
	second, _ := s.q.Enqueue(s.ctx, LaneDefault, payload(0))
	urgent, _ := s.q.Enqueue(s.ctx, LaneDefault, payload(50))

	var got []string
	for i := 0; i < 3; i++ {
		job, err := s.q.Claim(s.ctx, LaneDefault)
		s.Require().NoError(err)
		got = append(got, job.ID)
	}
	s.Equal([]string{urgent.ID, first.ID, second.ID}, got)

	_, err := s.q.Claim(s.ctx, LaneDefault)
	s.ErrorIs(err, ErrEmpty)
}

func (s *QueueSuite) TestClaimRestrictedToLanes() {
	_, _ = s.q.Enqueue(s.ctx, LaneCritical, payload(0))

	_, err := s.q.Claim(s.ctx, LaneBatch)
	s.ErrorIs(err, ErrEmpty)

	_, err = s.q.Claim(s.ctx, LaneName("nope"))
	s.ErrorIs(err, ErrUnknownLane)
}

func (s *QueueSuite) TestJobIDIsEventIDAndDuplicatesRejected() {
	p := payload(0)
	job, err := s.q.Enqueue(s.ctx, LaneDefault, p)
	s.Require().NoError(err)
	s.Equal(p.Event.ID, job.ID)
	s.Equal(3, job.MaxAttempts)

	_, err = s.q.Enqueue(s.ctx, LaneDefault, p)
	s.ErrorIs(err, ErrDuplicateJob)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *QueueSuite) TestConfigOverridesAttemptsAndDelay() {
	p := payload(0)
	p.Config.Attempts = 7
	p.Config.Delay = 2 * time.Second
	job, err := s.q.Enqueue(s.ctx, LaneDefault, p)
	s.Require().NoError(err)
	s.Equal(7, job.MaxAttempts)

	_, err = s.q.Claim(s.ctx)
	s.ErrorIs(err, ErrEmpty)
	depth, err := s.q.Depth(s.ctx, LaneDefault)
	s.Require().NoError(err)
	s.Equal(int64(1), depth)

	s.clock.Advance(2 * time.Second)
	claimed, err := s.q.Claim(s.ctx)
	s.Require().NoError(err)
	s.Equal(job.ID, claimed.ID)
}

func (s *QueueSuite) TestRetryKeepsIDAndCountsAttempts() {
	job, _ := s.q.Enqueue(s.ctx, LaneDefault, payload(0))

	claimed, err := s.q.Claim(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.q.Retry(s.ctx, claimed, time.Second, assert.AnError))

	_, err = s.q.Claim(s.ctx)
	s.ErrorIs(err, ErrEmpty, "job must wait for its backoff")

	s.clock.Advance(time.Second)
	again, err := s.q.Claim(s.ctx)
	s.Require().NoError(err)
	s.Equal(job.ID, again.ID)
	s.Equal(2, again.AttemptsMade)
	s.Equal(assert.AnError.Error(), again.LastError)
}

func (s *QueueSuite) TestAckAndFailFinalize() {
	a, _ := s.q.Enqueue(s.ctx, LaneSensitive, payload(0))
	b, _ := s.q.Enqueue(s.ctx, LaneSensitive, payload(0))

	ja, _ := s.q.Claim(s.ctx)
	jb, _ := s.q.Claim(s.ctx)
	s.Equal(a.ID, ja.ID)
	s.Equal(b.ID, jb.ID)

	stats, err := s.q.Stats(s.ctx, LaneSensitive)
	s.Require().NoError(err)
	s.Equal(int64(2), stats.Active)

	s.Require().NoError(s.q.Ack(s.ctx, ja))
	s.Require().NoError(s.q.Fail(s.ctx, jb, assert.AnError))

	stats, err = s.q.Stats(s.ctx, LaneSensitive)
	s.Require().NoError(err)
	s.Equal(LaneStats{Completed: 1, Failed: 1}, stats)

	s.ErrorIs(s.q.Ack(s.ctx, ja), ErrNotActive)

	// Finalized ids can be submitted again.
	_, err = s.q.Enqueue(s.ctx, LaneBatch, Payload{Event: ja.Payload.Event})
	s.NoError(err)
}

func (s *QueueSuite) TestPayloadSurvivesRoundTrip() {
	p := payload(3)
	p.Event.Risk = audit.RiskCritical
	_, err := s.q.Enqueue(s.ctx, LaneCritical, p)
	s.Require().NoError(err)

	job, err := s.q.Claim(s.ctx)
	s.Require().NoError(err)
	s.Equal(p.Event.ID, job.Payload.Event.ID)
	s.Equal(audit.RiskCritical, job.Payload.Event.Risk)
	s.Equal(3, job.Config().Priority)
	change, ok := job.Payload.Event.Payload.(*audit.EntityChange)
	s.Require().True(ok)
	s.Equal("Maria", change.NewData["nome"])
}

func (s *QueueSuite) TestPing() {
	s.NoError(s.q.Ping(s.ctx))
}

func TestMemoryQueue(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func(clock *manualClock) Queue {
		q, err := NewMemoryQueue(nil, WithMemoryClock(clock.Now))
		require.NoError(t, err)
		return q
	}})
}

func newTestRedisQueue(t *testing.T, clock *manualClock) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	q, err := NewRedisQueue(rdb, nil, WithRedisClock(clock.Now), WithPrefix("{test}"))
	require.NoError(t, err)
	return q, mr
}

func TestRedisQueue(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func(clock *manualClock) Queue {
		q, _ := newTestRedisQueue(t, clock)
		return q
	}})
}

func TestRedisQueue_RecoverStaleClaims(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	q, _ := newTestRedisQueue(t, clock)

	job, err := q.Enqueue(ctx, LaneCritical, payload(0))
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	// A fresh claim is not stale yet.
	n, err := q.Recover(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = q.Recover(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 2, again.AttemptsMade)
}

func TestRedisQueue_JobsAreDurable(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	q, mr := newTestRedisQueue(t, clock)

	job, err := q.Enqueue(ctx, LaneDefault, payload(0))
	require.NoError(t, err)

	// A second queue instance over the same keys sees the job.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	restarted, err := NewRedisQueue(rdb, nil, WithRedisClock(clock.Now), WithPrefix("{test}"))
	require.NoError(t, err)

	claimed, err := restarted.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestRedisQueue_RetentionCapsFinishedLists(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	lanes := []Lane{{Name: LaneDefault, Priority: 1, Concurrency: 1, Attempts: 1, Backoff: Backoff{Type: BackoffFixed}, RetentionOnComplete: 2}}
	q, err := NewRedisQueue(rdb, lanes, WithRedisClock(clock.Now))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, LaneDefault, payload(0))
		require.NoError(t, err)
		job, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, job))
	}
	stats, err := q.Stats(ctx, LaneDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestJobConfigJSON(t *testing.T) {
	raw := []byte(`{"compress":true,"sign":false,"priority":4,"delay":1500,"attempts":2}`)
	var c JobConfig
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, JobConfig{Compress: true, Priority: 4, Delay: 1500 * time.Millisecond, Attempts: 2}, c)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestNewJobRequiresEventID(t *testing.T) {
	q, err := NewMemoryQueue(nil)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), LaneDefault, Payload{})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestLaneValidation(t *testing.T) {
	_, err := NewMemoryQueue([]Lane{{Name: "x", Concurrency: 0, Attempts: 1, Backoff: Backoff{Type: BackoffFixed}}})
	assert.ErrorIs(t, err, ErrInvalidLane)

	dup := DefaultLanes()
	dup = append(dup, dup[0])
	_, err = NewMemoryQueue(dup)
	assert.ErrorIs(t, err, ErrInvalidLane)
}

func TestBackoffNext(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: time.Second}
	assert.Equal(t, time.Second, exp.Next(1, nil))
	assert.Equal(t, 2*time.Second, exp.Next(2, nil))
	assert.Equal(t, 4*time.Second, exp.Next(3, nil))
	assert.Equal(t, maxBackoff, exp.Next(40, nil))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Next(5, nil))

	half := func() float64 { return 0.5 }
	assert.Equal(t, 1100*time.Millisecond, exp.Next(1, half))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	err := Permanent(assert.AnError)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, IsPermanent(assert.AnError))
}
