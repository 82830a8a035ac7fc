package event

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel wrapped by every ValidationError.
var ErrValidation = errors.New("event: validation failed")

// ValidationError describes a malformed payload. Validation runs before
// append; a payload that fails is never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validate checks the field combinations the variant types cannot express.
func Validate(p Payload) error {
	switch v := p.(type) {
	case Recorded:
		if v.Start.IsZero() {
			return &ValidationError{Field: "startTime", Reason: "required"}
		}
		if v.End != nil && v.End.Time().Before(v.Start.Time()) {
			return &ValidationError{Field: "endTime", Reason: "before start time"}
		}
		if v.Intensity != nil {
			if _, err := ParseIntensity(string(*v.Intensity)); err != nil {
				return err
			}
		}
	case NoBleed:
		if v.At.IsZero() {
			return &ValidationError{Field: "startTime", Reason: "required"}
		}
	case Unknown:
		if v.At.IsZero() {
			return &ValidationError{Field: "startTime", Reason: "required"}
		}
	case Deleted:
		if v.Reason == "" {
			return &ValidationError{Field: "deleteReason", Reason: "required"}
		}
	case nil:
		return &ValidationError{Field: "payload", Reason: "required"}
	default:
		return &ValidationError{Field: "payload", Reason: "unknown variant"}
	}
	return nil
}
