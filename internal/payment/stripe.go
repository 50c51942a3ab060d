package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
)

// Stripe is the live backend for accounts processed by Stripe. Amounts are
// always sent in minor units.
type Stripe struct {
	API *client.API
}

// NewStripe builds a Stripe backend. baseURL overrides the API host and is
// empty in production.
func NewStripe(secretKey, baseURL string, httpClient *http.Client) Stripe {
	cfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	return Stripe{API: client.New(secretKey, &stripe.Backends{API: b, Connect: b, Uploads: b})}
}

func (Stripe) Name() string    { return "stripe" }
func (Stripe) Simulated() bool { return false }

func (s Stripe) CreateIntent(ctx context.Context, p IntentParams) (IntentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(p.Amount),
		Currency:           stripe.String(strings.ToLower(p.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	if p.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(p.Customer.Email)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("orderId", p.OrderID)

	pi, err := s.API.PaymentIntents.New(params)
	if err != nil {
		return IntentResult{}, classifyStripeError(err)
	}
	return IntentResult{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func (s Stripe) CreateHostedSession(ctx context.Context, p IntentParams) (IntentResult, error) {
	if p.ReturnURL == "" {
		return IntentResult{}, ErrMissingRedirect
	}
	metadata := map[string]string{"orderId": p.OrderID}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.ReturnURL),
		CancelURL:         stripe.String(p.ReturnURL),
		ClientReferenceID: stripe.String(p.OrderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(p.Currency)),
				UnitAmount: stripe.Int64(p.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + p.OrderID),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata},
	}
	params.Context = ctx
	if p.Customer.Email != "" {
		params.CustomerEmail = stripe.String(p.Customer.Email)
	}

	sess, err := s.API.CheckoutSessions.New(params)
	if err != nil {
		return IntentResult{}, classifyStripeError(err)
	}
	if sess.URL == "" {
		return IntentResult{}, fmt.Errorf("session %s: %w", sess.ID, ErrMissingRedirect)
	}
	id := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		id = sess.PaymentIntent.ID
	}
	return IntentResult{ID: id, Status: string(sess.Status), RedirectURL: sess.URL}, nil
}

func (s Stripe) Confirm(ctx context.Context, p ConfirmParams) (ConfirmResult, error) {
	pmParams := &stripe.PaymentMethodParams{
		Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(p.Card.Digits()),
			ExpMonth: stripe.Int64(int64(p.Card.ExpMonth)),
			ExpYear:  stripe.Int64(int64(p.Card.ExpiryYear())),
			CVC:      stripe.String(strings.TrimSpace(p.Card.CVC)),
		},
		BillingDetails: &stripe.PaymentMethodBillingDetailsParams{
			Name: stripe.String(cardholderName(p.Card, p.Billing)),
		},
	}
	pmParams.Context = ctx
	if p.Billing.Email != "" {
		pmParams.BillingDetails.Email = stripe.String(p.Billing.Email)
	}
	pm, err := s.API.PaymentMethods.New(pmParams)
	if err != nil {
		if res, ok := stripeDecline(err, p.Card); ok {
			return res, nil
		}
		return ConfirmResult{}, classifyStripeError(err)
	}

	confirm := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(pm.ID)}
	confirm.Context = ctx
	pi, err := s.API.PaymentIntents.Confirm(p.Intent.ID, confirm)
	if err != nil {
		if res, ok := stripeDecline(err, p.Card); ok {
			return res, nil
		}
		return ConfirmResult{}, classifyStripeError(err)
	}

	res := ConfirmResult{
		Outcome:   ParseOutcome(string(pi.Status)),
		Status:    string(pi.Status),
		CardLast4: p.Card.Last4(),
	}
	if pm.Card != nil && pm.Card.Last4 != "" {
		res.CardLast4 = pm.Card.Last4
	}
	if pi.LastPaymentError != nil {
		res.DeclineCode = string(pi.LastPaymentError.Code)
		if pi.LastPaymentError.DeclineCode != "" {
			res.DeclineCode = string(pi.LastPaymentError.DeclineCode)
		}
	}
	return res, nil
}

func stripeDecline(err error, card CardInput) (ConfirmResult, bool) {
	var se *stripe.Error
	if !errors.As(err, &se) || se.Type != stripe.ErrorTypeCard {
		return ConfirmResult{}, false
	}
	code := string(se.DeclineCode)
	if code == "" {
		code = string(se.Code)
	}
	return ConfirmResult{Outcome: OutcomeDeclined, Status: "failed", DeclineCode: code, CardLast4: card.Last4()}, true
}

func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && (se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}
