package payment

import "strings"

// Outcome is the closed set every processor status is mapped onto.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePending
	OutcomeSucceeded
	OutcomeDeclined
	OutcomeCanceled
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeDeclined:
		return "declined"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseOutcome maps a processor status string, in any case, to an Outcome.
func ParseOutcome(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "success", "captured":
		return OutcomeSucceeded
	case "pending", "processing", "requires_payment_method", "requires_customer_action",
		"requires_action", "requires_confirmation", "requires_capture", "authorized", "created":
		return OutcomePending
	case "failed", "failure", "declined", "authentication_failed", "rejected":
		return OutcomeDeclined
	case "canceled", "cancelled", "expired", "voided":
		return OutcomeCanceled
	case "error":
		return OutcomeError
	default:
		return OutcomeUnknown
	}
}
