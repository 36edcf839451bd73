package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DeadLetterStatus is the lifecycle state of a quarantined job.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterRetrying DeadLetterStatus = "retrying"
	// DeadLetterFailed: automatic resubmission gave up; an operator may still
	// retry, resolve or ignore the record.
	DeadLetterFailed   DeadLetterStatus = "failed"
	DeadLetterResolved DeadLetterStatus = "resolved"
	DeadLetterIgnored  DeadLetterStatus = "ignored"
)

// Terminal reports whether no further transition is allowed.
func (s DeadLetterStatus) Terminal() bool {
	return s == DeadLetterResolved || s == DeadLetterIgnored
}

// Valid reports whether s is a known status.
func (s DeadLetterStatus) Valid() bool {
	switch s {
	case DeadLetterPending, DeadLetterRetrying, DeadLetterFailed, DeadLetterResolved, DeadLetterIgnored:
		return true
	}
	return false
}

// Priority is the operator-facing urgency of a dead letter.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ErrInvalidTransition is returned when a dead letter cannot move to the
// requested status.
var ErrInvalidTransition = errors.New("invalid dead letter transition")

// DeadLetter is the quarantine record for a job that exhausted its retries.
// OriginalJobID is the event id, so a dead letter can always be joined back
// to the event and any persisted record. An event has one dead letter no
// matter how often it is resubmitted; RetryCount counts the resubmissions.
type DeadLetter struct {
	ID              string           `json:"id"`
	OriginalJobID   string           `json:"originalJobId"`
	Lane            string           `json:"lane"`
	EventType       EventType        `json:"eventType"`
	EntityName      string           `json:"entityName"`
	EntityID        string           `json:"entityId,omitempty"`
	UserID          string           `json:"userId,omitempty"`
	OriginalPayload json.RawMessage  `json:"originalPayload"`
	FailureReason   string           `json:"failureReason"`
	StackTrace      string           `json:"stackTrace,omitempty"`
	AttemptsMade    int              `json:"attemptsMade"`
	MaxAttempts     int              `json:"maxAttempts"`
	Priority        Priority         `json:"priority"`
	Retryable       bool             `json:"retryable"`
	Status          DeadLetterStatus `json:"status"`
	RetryCount      int              `json:"retryCount"`
	NextRetryAt     *time.Time       `json:"nextRetryAt,omitempty"`
	Resolution      string           `json:"resolution,omitempty"`
	ResolvedBy      string           `json:"resolvedBy,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Transition moves the record to status. Terminal records never move, and
// only retryable records may go back to retrying.
func (d *DeadLetter) Transition(to DeadLetterStatus, at time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if d.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, d.ID, d.Status)
	}
	if to == DeadLetterRetrying && !d.Retryable {
		return fmt.Errorf("%w: %s is not retryable", ErrInvalidTransition, d.ID)
	}
	d.Status = to
	d.UpdatedAt = at
	return nil
}

// DeadLetterFilter narrows a dead letter listing. Zero values match all.
type DeadLetterFilter struct {
	Status   DeadLetterStatus
	Priority Priority
	Limit    int
	Offset   int
}
