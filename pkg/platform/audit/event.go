package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the payload variant carried by an Event.
type Kind string

const (
	KindEntity    Kind = "entity"
	KindOperation Kind = "operation"
	KindSensitive Kind = "sensitive_data"
	KindNotice    Kind = "notice"
)

// EventType names what happened. Its prefix determines the payload Kind.
type EventType string

const (
	// Entity lifecycle events, emitted by services that mutate business entities.
	EventEntityCreated  EventType = "entity.created"
	EventEntityUpdated  EventType = "entity.updated"
	EventEntityDeleted  EventType = "entity.deleted"
	EventEntityAccessed EventType = "entity.accessed"

	// Operation events, emitted by the capture layer around inbound operations.
	EventOperationStart   EventType = "operation.start"
	EventOperationSuccess EventType = "operation.success"
	EventOperationError   EventType = "operation.error"

	// Sensitive data events always concern personal data under LGPD.
	EventSensitiveAccessed EventType = "sensitive_data.accessed"
	EventSensitiveExported EventType = "sensitive_data.exported"
	EventSensitiveModified EventType = "sensitive_data.modified"

	// Notices: system, security and account events without an entity diff.
	EventSystemAlert       EventType = "system.alert"
	EventSystemFailure     EventType = "system.failure"
	EventHealthChecked     EventType = "system.health_checked"
	EventSecurityViolation EventType = "security.violation"
	EventPaymentProcessed  EventType = "payment.processed"
	EventPaymentFailed     EventType = "payment.failed"
	EventUserRegistration  EventType = "user.registration"
	EventDocumentUpload    EventType = "document.upload"
	EventAuthLogin         EventType = "auth.login"
	EventAuthLogout        EventType = "auth.logout"
	EventAuthFailed        EventType = "auth.failed"
	EventProfileUpdated    EventType = "profile.updated"
)

// Kind returns the payload variant for the event type. Types outside the
// entity, operation and sensitive_data families are notices.
func (t EventType) Kind() Kind {
	switch {
	case strings.HasPrefix(string(t), "entity."):
		return KindEntity
	case strings.HasPrefix(string(t), "operation."):
		return KindOperation
	case strings.HasPrefix(string(t), "sensitive_data."):
		return KindSensitive
	default:
		return KindNotice
	}
}

func (t EventType) String() string { return string(t) }

// RequestContext describes the inbound request an event originated from.
type RequestContext struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Method    string `json:"method,omitempty"`
}

// Event is the audit event envelope. The common fields are shared by every
// event; Payload holds the variant-specific fields and is one of
// *EntityChange, *Operation, *SensitiveAccess or *Notice.
//
// ID is generated at capture time and is the idempotency token for the whole
// pipeline: queue job, dead-letter record and persisted row all carry it.
type Event struct {
	ID            string
	Type          EventType
	EntityName    string
	EntityID      string
	UserID        string
	CorrelationID string
	Timestamp     time.Time
	Risk          RiskLevel
	LGPDRelevant  bool
	Metadata      map[string]any
	Request       *RequestContext
	Payload       Payload
}

// Payload is the closed set of event variants.
type Payload interface {
	Kind() Kind
	isPayload()
}

// EntityChange is carried by entity.* events.
type EntityChange struct {
	PreviousData  map[string]any `json:"previousData,omitempty"`
	NewData       map[string]any `json:"newData,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
}

func (*EntityChange) Kind() Kind { return KindEntity }
func (*EntityChange) isPayload() {}

// OperationError describes a failed operation.
type OperationError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
}

// Operation is carried by operation.* events.
type Operation struct {
	Controller string          `json:"controller"`
	Method     string          `json:"method"`
	HTTPMethod string          `json:"httpMethod"`
	Operation  string          `json:"operation"`
	Duration   time.Duration   `json:"-"`
	StatusCode int             `json:"statusCode,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
	Body       any             `json:"body,omitempty"`
	Error      *OperationError `json:"error,omitempty"`
}

func (*Operation) Kind() Kind { return KindOperation }
func (*Operation) isPayload() {}

// SensitiveAccess is carried by sensitive_data.* events.
type SensitiveAccess struct {
	SensitiveFields []string `json:"sensitiveFields"`
	LegalBasis      string   `json:"legalBasis"`
	Purpose         string   `json:"purpose"`
}

func (*SensitiveAccess) Kind() Kind { return KindSensitive }
func (*SensitiveAccess) isPayload() {}

// Notice is carried by system, security and account events.
type Notice struct {
	Component string         `json:"component,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (*Notice) Kind() Kind { return KindNotice }
func (*Notice) isPayload() {}

// MaskedValue is the placeholder written over sensitive field values before
// an event leaves the request boundary.
const MaskedValue = "***MASKED***"

// Validation errors for event construction.
var (
	ErrInvalidEvent        = errors.New("invalid audit event")
	ErrLGPDRiskTooLow      = errors.New("lgpd relevant events require HIGH or CRITICAL risk")
	ErrPayloadKindMismatch = errors.New("payload does not match event type")
)

// Option adjusts an event during construction.
type Option func(*Event)

// WithEntityID sets the affected entity id.
func WithEntityID(id string) Option { return func(e *Event) { e.EntityID = id } }

// WithUserID sets the acting user.
func WithUserID(id string) Option { return func(e *Event) { e.UserID = id } }

// WithCorrelationID joins the event to its originating operation.
func WithCorrelationID(id string) Option { return func(e *Event) { e.CorrelationID = id } }

// WithRisk sets the risk level.
func WithRisk(r RiskLevel) Option { return func(e *Event) { e.Risk = r } }

// WithTimestamp overrides the capture time.
func WithTimestamp(t time.Time) Option { return func(e *Event) { e.Timestamp = t } }

// WithRequest attaches the originating request context.
func WithRequest(rc *RequestContext) Option { return func(e *Event) { e.Request = rc } }

// WithMetadata merges metadata entries into the event.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) {
		if len(md) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// WithLGPD flags the event as touching personal data. The risk level is raised
// to HIGH when lower so the flag never coexists with a low risk.
func WithLGPD() Option {
	return func(e *Event) {
		e.LGPDRelevant = true
		e.Risk = MaxRisk(e.Risk, RiskHigh)
	}
}

func newEvent(eventType EventType, entityName string, payload Payload, opts []Option) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityName: entityName,
		Timestamp:  time.Now().UTC(),
		Risk:       RiskLow,
		Payload:    payload,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e
}

// NewEntityEvent builds an entity.* event.
func NewEntityEvent(eventType EventType, entityName string, change *EntityChange, opts ...Option) (Event, error) {
	if change == nil {
		change = &EntityChange{}
	}
	e := newEvent(eventType, entityName, change, opts)
	return e, e.Validate()
}

// NewOperationEvent builds an operation.* event.
func NewOperationEvent(eventType EventType, entityName string, op *Operation, opts ...Option) (Event, error) {
	if op == nil {
		op = &Operation{}
	}
	e := newEvent(eventType, entityName, op, opts)
	return e, e.Validate()
}

// NewSensitiveDataEvent builds a sensitive_data.* event. These are always LGPD
// relevant; a risk below HIGH is rejected rather than silently raised because
// the caller asserted it.
func NewSensitiveDataEvent(eventType EventType, entityName string, access *SensitiveAccess, opts ...Option) (Event, error) {
	if access == nil || len(access.SensitiveFields) == 0 {
		return Event{}, fmt.Errorf("%w: sensitive data event requires sensitive fields", ErrInvalidEvent)
	}
	if access.LegalBasis == "" || access.Purpose == "" {
		return Event{}, fmt.Errorf("%w: sensitive data event requires legal basis and purpose", ErrInvalidEvent)
	}
	e := newEvent(eventType, entityName, access, append([]Option{WithRisk(RiskHigh)}, opts...))
	e.LGPDRelevant = true
	return e, e.Validate()
}

// NewNoticeEvent builds a system, security or account event.
func NewNoticeEvent(eventType EventType, component string, notice *Notice, opts ...Option) (Event, error) {
	if notice == nil {
		notice = &Notice{}
	}
	if notice.Component == "" {
		notice.Component = component
	}
	e := newEvent(eventType, component, notice, opts)
	return e, e.Validate()
}

// Validate checks the structural invariants of an event. It does not check the
// required-field rules the worker applies to queued payloads.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}
	if e.Risk != "" && !e.Risk.Valid() {
		return fmt.Errorf("%w: unknown risk level %q", ErrInvalidEvent, e.Risk)
	}
	if e.LGPDRelevant && !e.Risk.AtLeast(RiskHigh) {
		return fmt.Errorf("%w: event %s has risk %s", ErrLGPDRiskTooLow, e.Type, e.Risk)
	}
	if e.Payload != nil && e.Payload.Kind() != e.Type.Kind() {
		return fmt.Errorf("%w: %s carries %s payload", ErrPayloadKindMismatch, e.Type, e.Payload.Kind())
	}
	if e.Type.Kind() == KindSensitive && !e.LGPDRelevant {
		return fmt.Errorf("%w: sensitive data event must be lgpd relevant", ErrInvalidEvent)
	}
	return nil
}

// Operation returns the operation payload when the event carries one.
func (e Event) Operation() (*Operation, bool) {
	op, ok := e.Payload.(*Operation)
	return op, ok
}
