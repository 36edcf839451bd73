package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// eventJSON is the wire shape of an Event. Variant fields live under "data"
// and are decoded according to eventType.
type eventJSON struct {
	EventID       string          `json:"eventId"`
	EventType     EventType       `json:"eventType"`
	EntityName    string          `json:"entityName"`
	EntityID      string          `json:"entityId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	RiskLevel     RiskLevel       `json:"riskLevel,omitempty"`
	LGPDRelevant  *bool           `json:"lgpdRelevant,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Request       *RequestContext `json:"requestContext,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		EventID:       e.ID,
		EventType:     e.Type,
		EntityName:    e.EntityName,
		EntityID:      e.EntityID,
		UserID:        e.UserID,
		CorrelationID: e.CorrelationID,
		RiskLevel:     e.Risk,
		LGPDRelevant:  &e.LGPDRelevant,
		Metadata:      e.Metadata,
		Request:       e.Request,
	}
	if !e.Timestamp.IsZero() {
		ts := e.Timestamp
		out.Timestamp = &ts
	}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Payload.Kind(), err)
		}
		out.Data = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Missing optional fields stay at
// their zero value so the worker can tell an absent risk or timestamp apart
// from a provided one.
func (e *Event) UnmarshalJSON(b []byte) error {
	var in eventJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*e = Event{
		ID:            in.EventID,
		Type:          in.EventType,
		EntityName:    in.EntityName,
		EntityID:      in.EntityID,
		UserID:        in.UserID,
		CorrelationID: in.CorrelationID,
		Risk:          in.RiskLevel,
		Metadata:      in.Metadata,
		Request:       in.Request,
	}
	if in.Timestamp != nil {
		e.Timestamp = *in.Timestamp
	}
	if in.LGPDRelevant != nil {
		e.LGPDRelevant = *in.LGPDRelevant
	}

	payload := newPayload(in.EventType.Kind())
	if len(in.Data) > 0 && string(in.Data) != "null" {
		if err := json.Unmarshal(in.Data, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", payload.Kind(), err)
		}
	}
	e.Payload = payload
	return nil
}

func newPayload(k Kind) Payload {
	switch k {
	case KindEntity:
		return &EntityChange{}
	case KindOperation:
		return &Operation{}
	case KindSensitive:
		return &SensitiveAccess{}
	default:
		return &Notice{}
	}
}

type operationAlias Operation

type operationJSON struct {
	*operationAlias
	DurationMS int64 `json:"duration"`
}

// MarshalJSON writes Duration as whole milliseconds.
func (o *Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(operationJSON{
		operationAlias: (*operationAlias)(o),
		DurationMS:     o.Duration.Milliseconds(),
	})
}

// UnmarshalJSON reads Duration from whole milliseconds.
func (o *Operation) UnmarshalJSON(b []byte) error {
	aux := operationJSON{operationAlias: (*operationAlias)(o)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	o.Duration = time.Duration(aux.DurationMS) * time.Millisecond
	return nil
}
