// Package notify delivers audit post-processing and operator notifications.
//
// A Notification names a channel; the channel decides how loudly it is
// delivered (pager, urgent, ops, digest) or who consumes it (records,
// compliance, alerts). Delivery failures are returned to the caller, which
// decides whether they matter.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	audit "auditrail/pkg/platform/audit"
)

// Channel routes a notification.
type Channel string

const (
	ChannelPager      Channel = "pager"
	ChannelUrgent     Channel = "urgent"
	ChannelOps        Channel = "ops"
	ChannelDigest     Channel = "digest"
	ChannelRecords    Channel = "records"
	ChannelCompliance Channel = "compliance"
	ChannelAlerts     Channel = "alerts"
)

// Channels lists every channel, for topic provisioning.
func Channels() []Channel {
	return []Channel{ChannelPager, ChannelUrgent, ChannelOps, ChannelDigest, ChannelRecords, ChannelCompliance, ChannelAlerts}
}

// Kind says what happened.
type Kind string

const (
	KindRecordCreated  Kind = "audit.record_created"
	KindCriticalEvent  Kind = "audit.critical_event"
	KindComplianceScan Kind = "audit.compliance_review"
	KindDeadLetter     Kind = "audit.dead_letter"
	KindHealthAlert    Kind = "audit.health_alert"
	KindDigest         Kind = "audit.digest"
)

// Notification is one message to operators or downstream consumers.
type Notification struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Channel       Channel         `json:"channel"`
	Severity      audit.RiskLevel `json:"severity"`
	EventID       string          `json:"eventId,omitempty"`
	EventType     audit.EventType `json:"eventType,omitempty"`
	EntityName    string          `json:"entityName,omitempty"`
	EntityID      string          `json:"entityId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Message       string          `json:"message"`
	Details       map[string]any  `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// New builds a notification with a fresh id.
func New(kind Kind, channel Channel, severity audit.RiskLevel, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Channel:   channel,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// ForEvent builds a notification about an audit event.
func ForEvent(kind Kind, channel Channel, e audit.Event, message string) Notification {
	n := New(kind, channel, e.Risk, message)
	n.EventID = e.ID
	n.EventType = e.Type
	n.EntityName = e.EntityName
	n.EntityID = e.EntityID
	n.UserID = e.UserID
	n.CorrelationID = e.CorrelationID
	return n
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Router sends each notification to the notifier registered for its
// channel, or to the fallback.
type Router struct {
	mu       sync.RWMutex
	routes   map[Channel]Notifier
	fallback Notifier
	logger   *slog.Logger
}

// NewRouter creates a channel router with an optional fallback.
func NewRouter(logger *slog.Logger, fallback Notifier) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{routes: make(map[Channel]Notifier), fallback: fallback, logger: logger}
}

// Register adds a notifier for a channel.
func (r *Router) Register(ch Channel, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[ch] = n
}

// Notify implements Notifier.
func (r *Router) Notify(ctx context.Context, n Notification) error {
	r.mu.RLock()
	target, ok := r.routes[n.Channel]
	r.mu.RUnlock()
	if !ok {
		if r.fallback == nil {
			r.logger.WarnContext(ctx, "no notifier for channel, dropping notification",
				"channel", n.Channel, "kind", n.Kind, "event_id", n.EventID)
			return nil
		}
		target = r.fallback
	}
	if err := target.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify %s: %w", n.Channel, err)
	}
	return nil
}

// LogNotifier writes notifications to a structured log. Pager and urgent
// notifications are logged at error level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	switch n.Channel {
	case ChannelPager, ChannelUrgent, ChannelAlerts:
		level = slog.LevelError
	case ChannelOps:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "audit notification",
		"id", n.ID,
		"kind", n.Kind,
		"channel", n.Channel,
		"severity", n.Severity,
		"event_id", n.EventID,
		"event_type", n.EventType,
		"message", n.Message,
	)
	return nil
}
