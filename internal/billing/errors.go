package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError rejects a request before any side effect happened.
// SuggestedAmount is set when a corrected amount would be accepted.
type ValidationError struct {
	Field           string
	Reason          string
	SuggestedAmount *decimal.Decimal
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.SuggestedAmount != nil {
		msg += " (suggested " + e.SuggestedAmount.StringFixed(2) + ")"
	}
	return msg
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func invalidWithSuggestion(field, reason string, suggested decimal.Decimal) error {
	return &ValidationError{Field: field, Reason: reason, SuggestedAmount: &suggested}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrCorruptSchedule halts an operation whose persisted schedule cannot be trusted.
var ErrCorruptSchedule = errors.New("billing: corrupt schedule")
