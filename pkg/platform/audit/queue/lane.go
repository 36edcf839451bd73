package queue

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// LaneName identifies a queue lane.
type LaneName string

const (
	LaneDefault   LaneName = "default"
	LaneCritical  LaneName = "critical"
	LaneSensitive LaneName = "sensitive"
	LaneBatch     LaneName = "batch"
)

func (n LaneName) String() string { return string(n) }

// BackoffType selects how the retry delay grows between attempts.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// maxBackoff caps a single retry delay.
const maxBackoff = time.Hour

// Backoff computes retry delays for a lane.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before the retry that follows attempt (1-based).
// jitter returns a value in [0,1); up to 20% of the base delay is added.
func (b Backoff) Next(attempt int, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Delay
	if b.Type != BackoffFixed {
		exp := math.Pow(2, float64(attempt-1))
		if float64(base)*exp > float64(maxBackoff) {
			base = maxBackoff
		} else {
			base = time.Duration(float64(base) * exp)
		}
	}
	if jitter != nil {
		base += time.Duration(float64(base) * 0.2 * jitter())
	}
	if base > maxBackoff {
		base = maxBackoff
	}
	return base
}

// Lane is the independently configured policy of one queue partition.
// RetentionOnComplete and RetentionOnFail bound how many finished jobs are
// kept for inspection.
type Lane struct {
	Name                LaneName `json:"name"`
	Priority            int      `json:"priority"`
	Concurrency         int      `json:"concurrency"`
	Attempts            int      `json:"attempts"`
	Backoff             Backoff  `json:"backoff"`
	RetentionOnComplete int      `json:"retentionOnComplete"`
	RetentionOnFail     int      `json:"retentionOnFail"`
}

// Validate checks the lane policy.
func (l Lane) Validate() error {
	switch {
	case l.Name == "":
		return fmt.Errorf("%w: lane name is required", ErrInvalidLane)
	case l.Concurrency < 1:
		return fmt.Errorf("%w: lane %s concurrency must be positive", ErrInvalidLane, l.Name)
	case l.Attempts < 1:
		return fmt.Errorf("%w: lane %s attempts must be positive", ErrInvalidLane, l.Name)
	case l.Backoff.Delay < 0:
		return fmt.Errorf("%w: lane %s backoff delay is negative", ErrInvalidLane, l.Name)
	case l.Backoff.Type != BackoffExponential && l.Backoff.Type != BackoffFixed:
		return fmt.Errorf("%w: lane %s has unknown backoff %q", ErrInvalidLane, l.Name, l.Backoff.Type)
	}
	return nil
}

// DefaultLanes returns the four standard lanes. critical is dequeued first,
// then sensitive, default and batch.
func DefaultLanes() []Lane {
	return []Lane{
		{
			Name: LaneCritical, Priority: 10, Concurrency: 10, Attempts: 5,
			Backoff:             Backoff{Type: BackoffExponential, Delay: 500 * time.Millisecond},
			RetentionOnComplete: 100, RetentionOnFail: 1000,
		},
		{
			Name: LaneSensitive, Priority: 8, Concurrency: 3, Attempts: 3,
			Backoff:             Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
			RetentionOnComplete: 100, RetentionOnFail: 1000,
		},
		{
			Name: LaneDefault, Priority: 5, Concurrency: 5, Attempts: 3,
			Backoff:             Backoff{Type: BackoffExponential, Delay: time.Second},
			RetentionOnComplete: 100, RetentionOnFail: 500,
		},
		{
			Name: LaneBatch, Priority: 1, Concurrency: 2, Attempts: 2,
			Backoff:             Backoff{Type: BackoffExponential, Delay: 10 * time.Second},
			RetentionOnComplete: 50, RetentionOnFail: 500,
		},
	}
}

// laneTable indexes lanes by name and keeps them in dequeue order.
type laneTable struct {
	byName  map[LaneName]Lane
	ordered []LaneName
}

func newLaneTable(lanes []Lane) (laneTable, error) {
	if len(lanes) == 0 {
		lanes = DefaultLanes()
	}
	t := laneTable{byName: make(map[LaneName]Lane, len(lanes))}
	for _, l := range lanes {
		if err := l.Validate(); err != nil {
			return laneTable{}, err
		}
		if _, dup := t.byName[l.Name]; dup {
			return laneTable{}, fmt.Errorf("%w: duplicate lane %s", ErrInvalidLane, l.Name)
		}
		t.byName[l.Name] = l
		t.ordered = append(t.ordered, l.Name)
	}
	t.sort(t.ordered)
	return t, nil
}

// sort orders names by lane priority, highest first; ties keep table order.
func (t laneTable) sort(names []LaneName) {
	sort.SliceStable(names, func(i, j int) bool {
		return t.byName[names[i]].Priority > t.byName[names[j]].Priority
	})
}

// resolve returns the requested lanes in dequeue order, or all lanes.
func (t laneTable) resolve(names []LaneName) ([]LaneName, error) {
	if len(names) == 0 {
		return t.ordered, nil
	}
	out := make([]LaneName, 0, len(names))
	for _, n := range names {
		if _, ok := t.byName[n]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLane, n)
		}
		out = append(out, n)
	}
	t.sort(out)
	return out, nil
}

func (t laneTable) get(name LaneName) (Lane, error) {
	l, ok := t.byName[name]
	if !ok {
		return Lane{}, fmt.Errorf("%w: %s", ErrUnknownLane, name)
	}
	return l, nil
}
