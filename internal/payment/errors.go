package payment

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("payment: invalid request")
	ErrNotFound        = errors.New("payment: not found")
	ErrAuth            = errors.New("payment: processor authentication failed")
	ErrUpstream        = errors.New("payment: processor request failed")
	ErrMissingRedirect = errors.New("payment: processor returned no redirect url")
	ErrDeclined        = errors.New("payment: declined")

	ErrInvalidCardNumber = errors.New("invalid card number")
	ErrInvalidExpiry     = errors.New("invalid card expiry")
	ErrCardExpired       = errors.New("card expired")
	ErrInvalidCVV        = errors.New("invalid card cvv")
)

// FieldError reports which request fields failed validation.
type FieldError struct {
	Fields map[string]string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %d invalid field(s)", ErrValidation, len(e.Fields))
}

func (e *FieldError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) *FieldError {
	return &FieldError{Fields: map[string]string{field: reason}}
}

// DeclineError is returned when the processor answered but did not settle
// the payment.
type DeclineError struct {
	IntentID string
	Outcome  Outcome
	Status   string
	Code     string
}

func (e *DeclineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment %s declined (%s): %s", e.IntentID, e.Outcome, e.Code)
	}
	return fmt.Sprintf("payment %s declined (%s)", e.IntentID, e.Outcome)
}

func (e *DeclineError) Unwrap() error { return ErrDeclined }
