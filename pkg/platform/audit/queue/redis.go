package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRedisPrefix carries a hash tag so every queue key lands in the same
// cluster slot; the Lua scripts touch several keys at once.
const defaultRedisPrefix = "{audit}"

// scoreStride separates job priorities in the ready sorted set score; the
// arrival sequence fills the space below it.
const scoreStride = 1e12

// Keys: {p}:jobs and {p}:weights hold job bodies and priority weights by id;
// {p}:seq is the arrival counter; per lane {p}:lane:<name>:ready|delayed|active
// are sorted sets and :completed|:failed are capped lists.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
local avail = tonumber(ARGV[4])
if avail > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[5], avail, ARGV[1])
else
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[4], tonumber(ARGV[3]) * ` + strconv.FormatFloat(scoreStride, 'f', 0, 64) + ` + seq, ARGV[1])
end
return 1
`)

// claimScript promotes due delayed jobs, then pops the head of the first
// non-empty ready set. KEYS[1..3] are jobs, weights, seq; each lane adds
// ready, delayed, active in priority order.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local lanes = (#KEYS - 3) / 3
for i = 0, lanes - 1 do
  local ready = KEYS[4 + i * 3]
  local delayed = KEYS[5 + i * 3]
  local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
  for _, id in ipairs(due) do
    redis.call('ZREM', delayed, id)
    local w = tonumber(redis.call('HGET', KEYS[2], id) or '0')
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', ready, w * ` + strconv.FormatFloat(scoreStride, 'f', 0, 64) + ` + seq, id)
  end
end
for i = 0, lanes - 1 do
  local ready = KEYS[4 + i * 3]
  local active = KEYS[6 + i * 3]
  local head = redis.call('ZRANGE', ready, 0, 0)
  if #head > 0 then
    local id = head[1]
    redis.call('ZREM', ready, id)
    redis.call('ZADD', active, now, id)
    local body = redis.call('HGET', KEYS[1], id)
    if not body then
      body = ''
    end
    return {id, body}
  end
end
return false
`)

// recoverScript returns claimed jobs older than the cutoff to the ready set.
// KEYS: weights, seq, active, ready.
var recoverScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(stale) do
  redis.call('ZREM', KEYS[3], id)
  local w = tonumber(redis.call('HGET', KEYS[1], id) or '0')
  local seq = redis.call('INCR', KEYS[2])
  redis.call('ZADD', KEYS[4], w * ` + strconv.FormatFloat(scoreStride, 'f', 0, 64) + ` + seq, id)
end
return #stale
`)

// RedisQueue is the durable Queue. Jobs survive process restarts; jobs that
// were claimed but never acknowledged are returned by Recover.
type RedisQueue struct {
	client redis.UniversalClient
	lanes  laneTable
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithPrefix namespaces queue keys. Keep a {hash tag} for cluster deployments.
func WithPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) { q.prefix = prefix }
}

// WithRedisClock replaces the time source.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue creates a Redis-backed queue for the given lanes.
func NewRedisQueue(client redis.UniversalClient, lanes []Lane, opts ...RedisOption) (*RedisQueue, error) {
	table, err := newLaneTable(lanes)
	if err != nil {
		return nil, err
	}
	q := &RedisQueue{client: client, lanes: table, prefix: defaultRedisPrefix, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *RedisQueue) jobsKey() string    { return q.prefix + ":jobs" }
func (q *RedisQueue) weightsKey() string { return q.prefix + ":weights" }
func (q *RedisQueue) seqKey() string     { return q.prefix + ":seq" }
func (q *RedisQueue) laneKey(lane LaneName, part string) string {
	return q.prefix + ":lane:" + string(lane) + ":" + part
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, lane LaneName, p Payload) (*Job, error) {
	l, err := q.lanes.get(lane)
	if err != nil {
		return nil, err
	}
	now := q.now()
	job, err := newJob(l, p, now)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	keys := []string{q.jobsKey(), q.weightsKey(), q.seqKey(), q.laneKey(lane, "ready"), q.laneKey(lane, "delayed")}
	added, err := enqueueScript.Run(ctx, q.client, keys,
		job.ID, body, weight(p), job.AvailableAt.UnixMilli(), now.UnixMilli()).Int()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if added == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return job, nil
}

// Claim implements Queue.
func (q *RedisQueue) Claim(ctx context.Context, lanes ...LaneName) (*Job, error) {
	order, err := q.lanes.resolve(lanes)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, 3+3*len(order))
	keys = append(keys, q.jobsKey(), q.weightsKey(), q.seqKey())
	for _, name := range order {
		keys = append(keys, q.laneKey(name, "ready"), q.laneKey(name, "delayed"), q.laneKey(name, "active"))
	}

	res, err := claimScript.Run(ctx, q.client, keys, q.now().UnixMilli()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(res) != 2 || res[1] == "" {
		return nil, fmt.Errorf("%w: claimed job %v has no body", ErrInvalidJob, res)
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("%w: decode claimed job %s: %v", ErrInvalidJob, res[0], err)
	}
	job.AttemptsMade++
	if err := q.save(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.HSet(ctx, q.jobsKey(), job.ID, body).Err(); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (q *RedisQueue) requireActive(ctx context.Context, job *Job) (Lane, error) {
	l, err := q.lanes.get(job.Lane)
	if err != nil {
		return Lane{}, err
	}
	_, err = q.client.ZScore(ctx, q.laneKey(job.Lane, "active"), job.ID).Result()
	if errors.Is(err, redis.Nil) {
		return Lane{}, fmt.Errorf("%w: %s", ErrNotActive, job.ID)
	}
	if err != nil {
		return Lane{}, fmt.Errorf("check active job: %w", err)
	}
	return l, nil
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	l, err := q.requireActive(ctx, job)
	if err != nil {
		return err
	}
	return q.finalize(ctx, l, job, "completed", l.RetentionOnComplete)
}

// Fail implements Queue.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	l, err := q.requireActive(ctx, job)
	if err != nil {
		return err
	}
	job.LastError = errorString(cause)
	return q.finalize(ctx, l, job, "failed", l.RetentionOnFail)
}

func (q *RedisQueue) finalize(ctx context.Context, l Lane, job *Job, list string, keep int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.laneKey(l.Name, "active"), job.ID)
		pipe.HDel(ctx, q.jobsKey(), job.ID)
		pipe.HDel(ctx, q.weightsKey(), job.ID)
		if keep > 0 {
			pipe.LPush(ctx, q.laneKey(l.Name, list), body)
			pipe.LTrim(ctx, q.laneKey(l.Name, list), 0, int64(keep-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	return nil
}

// Retry implements Queue. The job is parked in the delayed set under the
// same id until the delay elapses.
func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	l, err := q.requireActive(ctx, job)
	if err != nil {
		return err
	}
	job.LastError = errorString(cause)
	job.AvailableAt = q.now().Add(delay)
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey(), job.ID, body)
		pipe.ZRem(ctx, q.laneKey(l.Name, "active"), job.ID)
		pipe.ZAdd(ctx, q.laneKey(l.Name, "delayed"), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

// Recover returns jobs claimed longer than staleAfter ago to their ready set.
// It is run at startup so work claimed by a crashed process is not lost.
func (q *RedisQueue) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := q.now().Add(-staleAfter).UnixMilli()
	total := 0
	for _, name := range q.lanes.ordered {
		keys := []string{q.weightsKey(), q.seqKey(), q.laneKey(name, "active"), q.laneKey(name, "ready")}
		n, err := recoverScript.Run(ctx, q.client, keys, cutoff).Int()
		if err != nil {
			return total, fmt.Errorf("recover lane %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// Depth implements Queue.
func (q *RedisQueue) Depth(ctx context.Context, lane LaneName) (int64, error) {
	st, err := q.Stats(ctx, lane)
	if err != nil {
		return 0, err
	}
	return st.Waiting + st.Delayed, nil
}

// Stats implements Queue.
func (q *RedisQueue) Stats(ctx context.Context, lane LaneName) (LaneStats, error) {
	if _, err := q.lanes.get(lane); err != nil {
		return LaneStats{}, err
	}
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.laneKey(lane, "ready"))
	delayed := pipe.ZCard(ctx, q.laneKey(lane, "delayed"))
	active := pipe.ZCard(ctx, q.laneKey(lane, "active"))
	completed := pipe.LLen(ctx, q.laneKey(lane, "completed"))
	failed := pipe.LLen(ctx, q.laneKey(lane, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return LaneStats{}, fmt.Errorf("lane stats %s: %w", lane, err)
	}
	return LaneStats{
		Waiting:   ready.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Ping implements Queue.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping queue broker: %w", err)
	}
	return nil
}
