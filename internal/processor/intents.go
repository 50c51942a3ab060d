package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	createIntentPath = "/api/v1/pa/payment_intents/create"
	confirmPathFmt   = "/api/v1/pa/payment_intents/%s/confirm"
)

// CreateIntentRequest is the body of an intent creation call. Amount is
// already expressed in the unit the processor account expects.
type CreateIntentRequest struct {
	RequestID       string            `json:"request_id"`
	Amount          json.Number       `json:"amount"`
	Currency        string            `json:"currency"`
	MerchantOrderID string            `json:"merchant_order_id"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ReturnURL       string            `json:"return_url,omitempty"`
	Customer        *Customer         `json:"customer,omitempty"`
}

// Customer is the shopper attached to an intent.
type Customer struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ConfirmRequest is the body of a confirm call.
type ConfirmRequest struct {
	RequestID     string        `json:"request_id"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// PaymentMethod wraps the card block.
type PaymentMethod struct {
	Type string `json:"type"`
	Card Card   `json:"card"`
}

// Card is sent to the processor once and never stored.
type Card struct {
	Number      string   `json:"number"`
	ExpiryMonth string   `json:"expiry_month"`
	ExpiryYear  string   `json:"expiry_year"`
	CVC         string   `json:"cvc"`
	Name        string   `json:"name,omitempty"`
	Billing     *Billing `json:"billing,omitempty"`
}

// Billing identifies the cardholder.
type Billing struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Intent is the normalised view of a processor intent response.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       json.Number
	Currency     string
	RedirectURL  string
	FailureCode  string
	CardLast4    string
}

type intentResponse struct {
	ID            string      `json:"id"`
	ClientSecret  string      `json:"client_secret"`
	Status        string      `json:"status"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	RedirectURL   string      `json:"redirect_url"`
	HostedPageURL string      `json:"hosted_page_url"`
	NextAction    *struct {
		URL         string `json:"url"`
		RedirectURL string `json:"redirect_url"`
	} `json:"next_action"`
	LatestPaymentAttempt *struct {
		Status        string `json:"status"`
		FailureCode   string `json:"failure_code"`
		PaymentMethod struct {
			Card struct {
				Last4 string `json:"last4"`
			} `json:"card"`
		} `json:"payment_method"`
	} `json:"latest_payment_attempt"`
}

func (r intentResponse) normalise() Intent {
	out := Intent{
		ID:           r.ID,
		ClientSecret: r.ClientSecret,
		Status:       r.Status,
		Amount:       r.Amount,
		Currency:     r.Currency,
	}
	var candidates []string
	if r.NextAction != nil {
		candidates = append(candidates, r.NextAction.URL, r.NextAction.RedirectURL)
	}
	candidates = append(candidates, r.RedirectURL, r.HostedPageURL)
	for _, c := range candidates {
		if s := strings.TrimSpace(c); s != "" {
			out.RedirectURL = s
			break
		}
	}
	if a := r.LatestPaymentAttempt; a != nil {
		out.FailureCode = a.FailureCode
		out.CardLast4 = a.PaymentMethod.Card.Last4
	}
	return out
}

// CreateIntent registers a payment intent. A RequestID is generated when the
// caller leaves it empty.
func (c *Client) CreateIntent(ctx context.Context, in CreateIntentRequest) (Intent, error) {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	var resp intentResponse
	err := c.authorized(ctx, func(h http.Header) error {
		return c.do(ctx, http.MethodPost, createIntentPath, h, in, &resp)
	})
	if err != nil {
		return Intent{}, err
	}
	return resp.normalise(), nil
}

// Confirm submits card details for an existing intent.
func (c *Client) Confirm(ctx context.Context, intentID string, in ConfirmRequest) (Intent, error) {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	if in.PaymentMethod.Type == "" {
		in.PaymentMethod.Type = "card"
	}
	path := fmt.Sprintf(confirmPathFmt, url.PathEscape(intentID))
	var resp intentResponse
	err := c.authorized(ctx, func(h http.Header) error {
		return c.do(ctx, http.MethodPost, path, h, in, &resp)
	})
	if err != nil {
		return Intent{}, err
	}
	return resp.normalise(), nil
}
