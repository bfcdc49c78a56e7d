package table

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is wrapped by every structural request error.
	ErrValidation = errors.New("table: invalid request")

	// ErrForbidden is wrapped by every fatal authorization failure.
	ErrForbidden = errors.New("table: forbidden")

	// ErrNotFound is returned by Store.Find when no record matches.
	ErrNotFound = errors.New("table: record not found")

	// ErrUnknownEntity is returned by stores and schema providers for entity types they do not serve.
	ErrUnknownEntity = errors.New("table: unknown entity type")
)

// Violation is a single structural problem found in a request.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports request shape violations. No pipeline stage runs
// when it is returned.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field == "" {
			msgs = append(msgs, v.Message)
			continue
		}
		msgs = append(msgs, v.Field+": "+v.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(field, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// AuthorizationError is returned when the actor may not view the entity type
// or a bind target.
type AuthorizationError struct {
	Ability string
	Entity  EntityType
	Reason  string
}

func (e *AuthorizationError) Error() string {
	msg := fmt.Sprintf("%s: %q on %q", ErrForbidden, e.Ability, e.Entity)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }
