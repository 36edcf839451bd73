package deadletter

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/notify"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/platform/audit/worker"
	"auditrail/pkg/platform/sentinel"
)

// Postgres SQLSTATE classes that indicate the database, not the payload, is
// at fault.
var retryablePQClasses = map[pq.ErrorClass]struct{}{
	"08": {}, // connection exception
	"40": {}, // transaction rollback
	"53": {}, // insufficient resources
	"57": {}, // operator intervention
	"58": {}, // system error
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"service unavailable",
	"too many connections",
	"econnrefused",
	"etimedout",
}

// IsRetryable reports whether the failure that exhausted a job is worth
// another attempt later. Structural problems with the payload never are;
// connectivity, timeout and server-side failures are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if queue.IsPermanent(err) || errors.Is(err, worker.ErrValidation) || errors.Is(err, audit.ErrInvalidEvent) {
		return false
	}
	var panicErr *queue.PanicError
	if errors.As(err, &panicErr) {
		return false
	}
	if sentinel.Transient(err) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		_, ok := retryablePQClasses[pqErr.Code.Class()]
		return ok
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var status interface{ StatusCode() int }
	if errors.As(err, &status) {
		code := status.StatusCode()
		return code >= 500 || code == 429
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ClassifyPriority grades how urgently an operator must look at a dead letter
// for the given event type.
func ClassifyPriority(t audit.EventType) audit.Priority {
	switch {
	case strings.HasPrefix(string(t), "security."),
		strings.HasPrefix(string(t), "payment."),
		t == audit.EventSystemFailure:
		return audit.PriorityCritical
	case t == audit.EventUserRegistration, t == audit.EventDocumentUpload, t == audit.EventAuthFailed:
		return audit.PriorityHigh
	case t == audit.EventAuthLogin, t == audit.EventAuthLogout, t == audit.EventProfileUpdated:
		return audit.PriorityMedium
	default:
		return audit.PriorityLow
	}
}

// RetryDelay is how long a retryable dead letter waits before resubmission.
func RetryDelay(p audit.Priority) time.Duration {
	switch p {
	case audit.PriorityCritical:
		return 5 * time.Minute
	case audit.PriorityHigh:
		return 30 * time.Minute
	case audit.PriorityMedium:
		return 2 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// Channel is the escalation channel for a priority.
func Channel(p audit.Priority) notify.Channel {
	switch p {
	case audit.PriorityCritical:
		return notify.ChannelPager
	case audit.PriorityHigh:
		return notify.ChannelUrgent
	case audit.PriorityMedium:
		return notify.ChannelOps
	default:
		return notify.ChannelDigest
	}
}

func severity(p audit.Priority) audit.RiskLevel {
	switch p {
	case audit.PriorityCritical:
		return audit.RiskCritical
	case audit.PriorityHigh:
		return audit.RiskHigh
	case audit.PriorityMedium:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}
