package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	audit "auditrail/pkg/platform/audit"
)

// ErrValidation marks a queued payload that can never be processed.
var ErrValidation = errors.New("invalid audit payload")

// payloadRules are the required-field rules applied to queued events.
type payloadRules struct {
	EventID    string    `validate:"required"`
	EventType  string    `validate:"required"`
	EntityName string    `validate:"required"`
	Timestamp  time.Time `validate:"required"`
	Risk       string    `validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the required fields and structural invariants of a queued
// event. Every failure wraps ErrValidation.
func Validate(e audit.Event) error {
	rules := payloadRules{
		EventID:    e.ID,
		EventType:  string(e.Type),
		EntityName: e.EntityName,
		Timestamp:  e.Timestamp,
		Risk:       string(e.Risk),
	}
	if err := validate.Struct(rules); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
