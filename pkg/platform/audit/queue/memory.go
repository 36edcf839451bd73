package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type readyItem struct {
	job    *Job
	weight int64
	seq    int64
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight < h[j].weight
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(readyItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type memoryLane struct {
	lane      Lane
	ready     readyHeap
	delayed   map[string]*Job
	active    map[string]*Job
	completed []*Job
	failed    []*Job
}

// MemoryQueue is an in-process Queue. It is not durable across restarts and
// backs tests and single-process development setups.
type MemoryQueue struct {
	mu    sync.Mutex
	lanes laneTable
	state map[LaneName]*memoryLane
	jobs  map[string]LaneName
	seq   int64
	now   func() time.Time
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithMemoryClock replaces the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue creates an in-memory queue for the given lanes (the default
// lanes when none are given).
func NewMemoryQueue(lanes []Lane, opts ...MemoryOption) (*MemoryQueue, error) {
	table, err := newLaneTable(lanes)
	if err != nil {
		return nil, err
	}
	q := &MemoryQueue{
		lanes: table,
		state: make(map[LaneName]*memoryLane, len(table.byName)),
		jobs:  make(map[string]LaneName),
		now:   time.Now,
	}
	for name, l := range table.byName {
		q.state[name] = &memoryLane{
			lane:    l,
			delayed: make(map[string]*Job),
			active:  make(map[string]*Job),
		}
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, lane LaneName, p Payload) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, err := q.lanes.get(lane)
	if err != nil {
		return nil, err
	}
	job, err := newJob(l, p, q.now())
	if err != nil {
		return nil, err
	}
	if _, exists := q.jobs[job.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	q.jobs[job.ID] = lane
	q.place(q.state[lane], job)
	return job.clone(), nil
}

func (q *MemoryQueue) place(s *memoryLane, job *Job) {
	if job.AvailableAt.After(q.now()) {
		s.delayed[job.ID] = job
		return
	}
	q.seq++
	heap.Push(&s.ready, readyItem{job: job, weight: weight(job.Payload), seq: q.seq})
}

func (q *MemoryQueue) promote(s *memoryLane) {
	now := q.now()
	var due []*Job
	for id, job := range s.delayed {
		if !job.AvailableAt.After(now) {
			delete(s.delayed, id)
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].AvailableAt.Before(due[j].AvailableAt)
		}
		return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
	})
	for _, job := range due {
		q.seq++
		heap.Push(&s.ready, readyItem{job: job, weight: weight(job.Payload), seq: q.seq})
	}
}

// Claim implements Queue.
func (q *MemoryQueue) Claim(_ context.Context, lanes ...LaneName) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	order, err := q.lanes.resolve(lanes)
	if err != nil {
		return nil, err
	}
	for _, name := range order {
		s := q.state[name]
		q.promote(s)
		if s.ready.Len() == 0 {
			continue
		}
		it := heap.Pop(&s.ready).(readyItem)
		it.job.AttemptsMade++
		s.active[it.job.ID] = it.job
		return it.job.clone(), nil
	}
	return nil, ErrEmpty
}

func (q *MemoryQueue) activeJob(job *Job) (*memoryLane, *Job, error) {
	s, ok := q.state[job.Lane]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownLane, job.Lane)
	}
	held, ok := s.active[job.ID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotActive, job.ID)
	}
	return s, held, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, held, err := q.activeJob(job)
	if err != nil {
		return err
	}
	delete(s.active, held.ID)
	delete(q.jobs, held.ID)
	s.completed = retain(s.completed, held, s.lane.RetentionOnComplete)
	return nil
}

// Retry implements Queue. The job keeps its id and attempt count.
func (q *MemoryQueue) Retry(_ context.Context, job *Job, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, held, err := q.activeJob(job)
	if err != nil {
		return err
	}
	delete(s.active, held.ID)
	held.LastError = errorString(cause)
	held.AvailableAt = q.now().Add(delay)
	q.place(s, held)
	return nil
}

// Fail implements Queue.
func (q *MemoryQueue) Fail(_ context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, held, err := q.activeJob(job)
	if err != nil {
		return err
	}
	delete(s.active, held.ID)
	delete(q.jobs, held.ID)
	held.LastError = errorString(cause)
	s.failed = retain(s.failed, held, s.lane.RetentionOnFail)
	return nil
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(ctx context.Context, lane LaneName) (int64, error) {
	st, err := q.Stats(ctx, lane)
	if err != nil {
		return 0, err
	}
	return st.Waiting + st.Delayed, nil
}

// Stats implements Queue.
func (q *MemoryQueue) Stats(_ context.Context, lane LaneName) (LaneStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.state[lane]
	if !ok {
		return LaneStats{}, fmt.Errorf("%w: %s", ErrUnknownLane, lane)
	}
	return LaneStats{
		Waiting:   int64(s.ready.Len()),
		Delayed:   int64(len(s.delayed)),
		Active:    int64(len(s.active)),
		Completed: int64(len(s.completed)),
		Failed:    int64(len(s.failed)),
	}, nil
}

// Ping implements Queue.
func (q *MemoryQueue) Ping(context.Context) error { return nil }

// Failed returns the retained failed jobs of a lane, newest first.
func (q *MemoryQueue) Failed(lane LaneName) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.state[lane]
	if !ok {
		return nil
	}
	out := make([]*Job, 0, len(s.failed))
	for i := len(s.failed) - 1; i >= 0; i-- {
		out = append(out, s.failed[i].clone())
	}
	return out
}

func retain(list []*Job, job *Job, limit int) []*Job {
	if limit <= 0 {
		return list
	}
	list = append(list, job)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
