package payment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/noah-isme/checkout-gateway/internal/processor"
)

// Airwallex is the live card-processor backend.
type Airwallex struct {
	Client     *processor.Client
	AmountUnit string
}

func (Airwallex) Name() string    { return "airwallex" }
func (Airwallex) Simulated() bool { return false }

func (a Airwallex) CreateIntent(ctx context.Context, p IntentParams) (IntentResult, error) {
	in, err := a.open(ctx, p)
	if err != nil {
		return IntentResult{}, err
	}
	return IntentResult{
		ID:           in.ID,
		ClientSecret: in.ClientSecret,
		Status:       strings.ToLower(in.Status),
		RedirectURL:  in.RedirectURL,
	}, nil
}

func (a Airwallex) CreateHostedSession(ctx context.Context, p IntentParams) (IntentResult, error) {
	res, err := a.CreateIntent(ctx, p)
	if err != nil {
		return IntentResult{}, err
	}
	if res.RedirectURL == "" {
		return IntentResult{}, fmt.Errorf("intent %s: %w", res.ID, ErrMissingRedirect)
	}
	return res, nil
}

func (a Airwallex) open(ctx context.Context, p IntentParams) (processor.Intent, error) {
	metadata := maps.Clone(p.Metadata)
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["orderId"] = p.OrderID

	in, err := a.Client.CreateIntent(ctx, processor.CreateIntentRequest{
		Amount:          ToProcessorAmount(p.Amount, p.Currency, a.AmountUnit),
		Currency:        p.Currency,
		MerchantOrderID: p.OrderID,
		Metadata:        metadata,
		ReturnURL:       p.ReturnURL,
		Customer: &processor.Customer{
			Email:     p.Customer.Email,
			FirstName: p.Customer.FirstName,
			LastName:  p.Customer.LastName,
		},
	})
	if err != nil {
		return processor.Intent{}, classifyProcessorError(err)
	}
	return in, nil
}

func (a Airwallex) Confirm(ctx context.Context, p ConfirmParams) (ConfirmResult, error) {
	card := processor.Card{
		Number:      p.Card.Digits(),
		ExpiryMonth: fmt.Sprintf("%02d", int(p.Card.ExpMonth)),
		ExpiryYear:  strconv.Itoa(p.Card.ExpiryYear()),
		CVC:         strings.TrimSpace(p.Card.CVC),
		Name:        cardholderName(p.Card, p.Billing),
		Billing: &processor.Billing{
			FirstName: p.Billing.FirstName,
			LastName:  p.Billing.LastName,
			Email:     p.Billing.Email,
		},
	}
	in, err := a.Client.Confirm(ctx, p.Intent.ID, processor.ConfirmRequest{
		PaymentMethod: processor.PaymentMethod{Type: "card", Card: card},
	})
	if err != nil {
		var pe *processor.Error
		if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 && pe.StatusCode != 401 && pe.StatusCode != 403 {
			return ConfirmResult{Outcome: OutcomeDeclined, Status: "failed", DeclineCode: pe.Code, CardLast4: p.Card.Last4()}, nil
		}
		return ConfirmResult{}, classifyProcessorError(err)
	}
	last4 := in.CardLast4
	if last4 == "" {
		last4 = p.Card.Last4()
	}
	return ConfirmResult{
		Outcome:     ParseOutcome(in.Status),
		Status:      strings.ToLower(in.Status),
		DeclineCode: in.FailureCode,
		CardLast4:   last4,
	}, nil
}

func cardholderName(c CardInput, b Billing) string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	return strings.TrimSpace(strings.TrimSpace(b.FirstName) + " " + strings.TrimSpace(b.LastName))
}

func classifyProcessorError(err error) error {
	if errors.Is(err, processor.ErrAuth) {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}
