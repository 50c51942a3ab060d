package payment

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatusRequiresPaymentMethod is the status of a freshly opened intent.
const StatusRequiresPaymentMethod = "requires_payment_method"

// SimulatedReturnPath is where simulated hosted pages send the shopper when
// neither the request nor PAYMENT_RETURN_URL names a return url. It is
// relative to the storefront origin.
const SimulatedReturnPath = "/checkout/return"

// Simulated stands in for the processor. It performs no network I/O and every
// confirm succeeds after Delay.
type Simulated struct {
	Delay time.Duration
}

func (Simulated) Name() string    { return "simulated" }
func (Simulated) Simulated() bool { return true }

func (s Simulated) CreateIntent(_ context.Context, _ IntentParams) (IntentResult, error) {
	id := "int_sim_" + randomHex()
	return IntentResult{
		ID:           id,
		ClientSecret: id + "_secret_" + randomHex(),
		Status:       StatusRequiresPaymentMethod,
	}, nil
}

func (s Simulated) CreateHostedSession(ctx context.Context, p IntentParams) (IntentResult, error) {
	returnURL := strings.TrimSpace(p.ReturnURL)
	if returnURL == "" {
		returnURL = SimulatedReturnPath
	}
	u, err := url.Parse(returnURL)
	if err != nil {
		return IntentResult{}, invalid("return_url", "must be a valid url")
	}
	res, _ := s.CreateIntent(ctx, p)
	q := u.Query()
	q.Set("payment_intent_id", res.ID)
	q.Set("simulated", "true")
	u.RawQuery = q.Encode()
	res.RedirectURL = u.String()
	return res, nil
}

func (s Simulated) Confirm(ctx context.Context, p ConfirmParams) (ConfirmResult, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ConfirmResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return ConfirmResult{
		Outcome:   OutcomeSucceeded,
		Status:    OutcomeSucceeded.String(),
		CardLast4: p.Card.Last4(),
	}, nil
}

func randomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
