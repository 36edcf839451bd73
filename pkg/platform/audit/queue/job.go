// Package queue implements the priority-laned audit job queue.
//
// Jobs are claimed by exactly one worker at a time. A claimed job is either
// acknowledged (removed), retried in place under the same id after a delay,
// or failed (finalized). The Runner drives lanes with independent worker
// pools and hands exhausted jobs to a FailureHandler exactly once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/sentinel"
)

// Queue errors.
var (
	ErrEmpty        = errors.New("no job ready")
	ErrInvalidLane  = errors.New("invalid lane configuration")
	ErrUnknownLane  = errors.New("unknown lane")
	ErrDuplicateJob = fmt.Errorf("job already queued: %w", sentinel.ErrConflict)
	ErrNotActive    = fmt.Errorf("job is not claimed: %w", sentinel.ErrNotFound)
	ErrInvalidJob   = errors.New("invalid job")
)

// maxJobPriority bounds JobConfig.Priority. Higher values are dequeued first
// within a lane.
const maxJobPriority = 100

// JobConfig carries per-event processing options.
type JobConfig struct {
	Compress bool          `json:"compress"`
	Sign     bool          `json:"sign"`
	Priority int           `json:"priority,omitempty"`
	Delay    time.Duration `json:"-"`
	Attempts int           `json:"attempts,omitempty"`
}

type jobConfigAlias JobConfig

type jobConfigJSON struct {
	*jobConfigAlias
	DelayMS int64 `json:"delay,omitempty"`
}

// MarshalJSON writes Delay as milliseconds.
func (c JobConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobConfigJSON{jobConfigAlias: (*jobConfigAlias)(&c), DelayMS: c.Delay.Milliseconds()})
}

// UnmarshalJSON reads Delay from milliseconds.
func (c *JobConfig) UnmarshalJSON(b []byte) error {
	aux := jobConfigJSON{jobConfigAlias: (*jobConfigAlias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.Delay = time.Duration(aux.DelayMS) * time.Millisecond
	return nil
}

// DefaultJobConfig compresses and signs every record.
func DefaultJobConfig() JobConfig {
	return JobConfig{Compress: true, Sign: true}
}

// Payload is the queued wire payload: {event, config}, plus the dead letter
// link when the job is a resubmission.
type Payload struct {
	Event        audit.Event   `json:"event"`
	Config       *JobConfig    `json:"config,omitempty"`
	Resubmission *Resubmission `json:"resubmission,omitempty"`
}

// Resubmission ties a job back to the dead letter it was resubmitted from.
// Count is how many times that dead letter has been resubmitted, this job
// included.
type Resubmission struct {
	DeadLetterID string `json:"deadLetterId"`
	Count        int    `json:"count"`
}

// Job is a claimed or pending unit of work. ID is the event id.
type Job struct {
	ID           string    `json:"id"`
	Lane         LaneName  `json:"lane"`
	Payload      Payload   `json:"payload"`
	AttemptsMade int       `json:"attemptsMade"`
	MaxAttempts  int       `json:"maxAttempts"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	AvailableAt  time.Time `json:"availableAt"`
	LastError    string    `json:"lastError,omitempty"`
}

// Config returns the job config, falling back to DefaultJobConfig.
func (j *Job) Config() JobConfig {
	if j.Payload.Config == nil {
		return DefaultJobConfig()
	}
	return *j.Payload.Config
}

// Exhausted reports whether the attempt in progress is the last allowed one.
func (j *Job) Exhausted() bool {
	return j.AttemptsMade >= j.MaxAttempts
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}

func newJob(lane Lane, p Payload, now time.Time) (*Job, error) {
	if p.Event.ID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidJob)
	}
	j := &Job{
		ID:          p.Event.ID,
		Lane:        lane.Name,
		Payload:     p,
		MaxAttempts: lane.Attempts,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	if p.Config != nil {
		if p.Config.Attempts > 0 {
			j.MaxAttempts = p.Config.Attempts
		}
		if p.Config.Delay > 0 {
			j.AvailableAt = now.Add(p.Config.Delay)
		}
	}
	return j, nil
}

// weight maps a job priority onto an ascending sort key.
func weight(p Payload) int64 {
	prio := 0
	if p.Config != nil {
		prio = p.Config.Priority
	}
	if prio < 0 {
		prio = 0
	}
	if prio > maxJobPriority {
		prio = maxJobPriority
	}
	return int64(maxJobPriority - prio)
}

// Queue is the durable job queue used by the dispatcher and the runner.
type Queue interface {
	Enqueue(ctx context.Context, lane LaneName, p Payload) (*Job, error)
	// Claim returns the next ready job from the given lanes (all lanes when
	// none are given), ordered by lane priority, then job priority, then
	// arrival. It returns ErrEmpty when nothing is ready.
	Claim(ctx context.Context, lanes ...LaneName) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error
	Fail(ctx context.Context, job *Job, cause error) error
	Depth(ctx context.Context, lane LaneName) (int64, error)
	Stats(ctx context.Context, lane LaneName) (LaneStats, error)
	Ping(ctx context.Context) error
}

// LaneStats counts jobs per state in one lane.
type LaneStats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// permanentError marks a failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the runner finalizes the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
