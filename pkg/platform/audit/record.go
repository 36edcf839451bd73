package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is the persisted form of an Event. Exactly one Record is written per
// EventID; after that it is immutable until retention cleanup removes it.
//
// PreviousData and NewData hold JSON. When the worker compresses a field the
// JSON value becomes a string with the base64 gzip body and the field name is
// listed under Metadata["compression"].
type Record struct {
	EventID            string
	EventType          EventType
	OperationType      string
	EntityName         string
	EntityID           string
	UserID             string
	CorrelationID      string
	PreviousData       json.RawMessage
	NewData            json.RawMessage
	Description        string
	Risk               RiskLevel
	LGPDRelevant       bool
	Metadata           map[string]any
	Request            *RequestContext
	Signature          string
	SignatureAlgorithm string
	Timestamp          time.Time
	CreatedAt          time.Time
	RetainUntil        time.Time
}

// NewRecord derives the persisted record from an event. Variant fields are
// flattened into previous/new data and metadata.
func NewRecord(e Event) (Record, error) {
	rec := Record{
		EventID:       e.ID,
		EventType:     e.Type,
		EntityName:    e.EntityName,
		EntityID:      e.EntityID,
		UserID:        e.UserID,
		CorrelationID: e.CorrelationID,
		Risk:          e.Risk,
		LGPDRelevant:  e.LGPDRelevant,
		Metadata:      copyMap(e.Metadata),
		Request:       e.Request,
		Timestamp:     e.Timestamp,
	}

	var prev, next any
	switch p := e.Payload.(type) {
	case *EntityChange:
		rec.OperationType = entityOperation(e.Type)
		if p.PreviousData != nil {
			prev = p.PreviousData
		}
		if p.NewData != nil {
			next = p.NewData
		}
		if len(p.ChangedFields) > 0 {
			rec.Metadata["changedFields"] = p.ChangedFields
		}
		rec.Description = fmt.Sprintf("%s %s", rec.OperationType, describeEntity(e))
	case *Operation:
		rec.OperationType = p.Operation
		if rec.OperationType == "" {
			rec.OperationType = strings.ToLower(p.HTTPMethod)
		}
		data := map[string]any{}
		if len(p.Params) > 0 {
			data["params"] = p.Params
		}
		if p.Body != nil {
			data["body"] = p.Body
		}
		if len(data) > 0 {
			next = data
		}
		rec.Metadata["controller"] = p.Controller
		rec.Metadata["method"] = p.Method
		rec.Metadata["httpMethod"] = p.HTTPMethod
		rec.Metadata["durationMs"] = p.Duration.Milliseconds()
		if p.StatusCode != 0 {
			rec.Metadata["statusCode"] = p.StatusCode
		}
		if p.Error != nil {
			rec.Metadata["error"] = map[string]any{"message": p.Error.Message, "status": p.Error.Status, "code": p.Error.Code}
		}
		rec.Description = fmt.Sprintf("%s %s (%s)", rec.OperationType, describeEntity(e), e.Type)
	case *SensitiveAccess:
		rec.OperationType = "sensitive_" + suffix(e.Type)
		next = map[string]any{
			"sensitiveFields": p.SensitiveFields,
			"legalBasis":      p.LegalBasis,
			"purpose":         p.Purpose,
		}
		rec.Description = fmt.Sprintf("%s of %s on %s (legal basis: %s)", suffix(e.Type), strings.Join(p.SensitiveFields, ", "), describeEntity(e), p.LegalBasis)
	case *Notice:
		rec.OperationType = suffix(e.Type)
		if len(p.Details) > 0 {
			next = p.Details
		}
		rec.Description = fmt.Sprintf("%s: %s", e.Type, p.Message)
		if p.Status != "" {
			rec.Metadata["status"] = p.Status
		}
	case nil:
		rec.OperationType = suffix(e.Type)
		rec.Description = string(e.Type)
	default:
		return Record{}, fmt.Errorf("%w: unsupported payload %T", ErrInvalidEvent, e.Payload)
	}

	var err error
	if rec.PreviousData, err = marshalData(prev); err != nil {
		return Record{}, fmt.Errorf("marshal previous data: %w", err)
	}
	if rec.NewData, err = marshalData(next); err != nil {
		return Record{}, fmt.Errorf("marshal new data: %w", err)
	}
	return rec, nil
}

func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func entityOperation(t EventType) string {
	switch t {
	case EventEntityCreated:
		return "create"
	case EventEntityUpdated:
		return "update"
	case EventEntityDeleted:
		return "delete"
	case EventEntityAccessed:
		return "read"
	default:
		return suffix(t)
	}
}

func suffix(t EventType) string {
	s := string(t)
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}

func describeEntity(e Event) string {
	if e.EntityID != "" {
		return e.EntityName + "/" + e.EntityID
	}
	return e.EntityName
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
