package payment

import (
	"context"

	"github.com/noah-isme/checkout-gateway/internal/ledger"
)

// Flows.
const (
	FlowDirect = "direct"
	FlowHosted = "hosted"
)

// IntentParams is what a backend needs to open an intent. Amount is in minor
// units.
type IntentParams struct {
	Amount    int64
	Currency  string
	OrderID   string
	Customer  ledger.Customer
	Metadata  map[string]string
	ReturnURL string
}

// IntentResult is a backend's view of a freshly opened intent.
type IntentResult struct {
	ID           string
	ClientSecret string
	Status       string
	RedirectURL  string
}

// ConfirmParams carries the stored intent and the card submitted for it.
type ConfirmParams struct {
	Intent  ledger.Intent
	Card    CardInput
	Billing Billing
}

// ConfirmResult is the classified processor answer to a confirm call.
type ConfirmResult struct {
	Outcome     Outcome
	Status      string
	DeclineCode string
	CardLast4   string
}

// Backend opens and confirms intents against one processor. Implementations
// return errors wrapping ErrUpstream or ErrAuth when the processor could not
// be reached or refused the credentials; a processor that answered with a
// non-success status is reported through ConfirmResult instead.
type Backend interface {
	Name() string
	Simulated() bool
	CreateIntent(ctx context.Context, p IntentParams) (IntentResult, error)
	CreateHostedSession(ctx context.Context, p IntentParams) (IntentResult, error)
	Confirm(ctx context.Context, p ConfirmParams) (ConfirmResult, error)
}
