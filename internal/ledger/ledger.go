// Package ledger records payment intents and settled payments. Records are
// append-only apart from the intent status.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("ledger: record not found")

// ErrDuplicate is returned when a record with the same id already exists.
var ErrDuplicate = errors.New("ledger: duplicate record")

// PaymentSucceeded is the status of every recorded payment. Declines are
// kept on the intent, never as payments.
const PaymentSucceeded = "succeeded"

// Payment sources.
const (
	SourceConfirm = "confirm"
	SourceWebhook = "webhook"
)

// Customer identifies the storefront buyer.
type Customer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Intent is a processor-side payment attempt that has not been settled yet.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	OrderID      string            `json:"order_id"`
	Customer     Customer          `json:"customer"`
	Plan         string            `json:"plan,omitempty"`
	VIN          string            `json:"vin,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ReturnURL    string            `json:"return_url,omitempty"`
	RedirectURL  string            `json:"redirect_url,omitempty"`
	Backend      string            `json:"backend"`
	Simulated    bool              `json:"simulated"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Payment is a settled charge against an intent.
type Payment struct {
	ID              string    `json:"id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	OrderID         string    `json:"order_id,omitempty"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	CardLast4       string    `json:"card_last4,omitempty"`
	CustomerEmail   string    `json:"customer_email,omitempty"`
	Source          string    `json:"source"`
	Simulated       bool      `json:"simulated"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists intents and payments. Implementations must be safe for
// concurrent use. Lists are returned in insertion order; by-order lookups
// return the earliest match because order ids are not unique.
type Store interface {
	PutIntent(ctx context.Context, intent Intent) error
	GetIntent(ctx context.Context, id string) (Intent, error)
	GetIntentByOrder(ctx context.Context, orderID string) (Intent, error)
	UpdateIntentStatus(ctx context.Context, id, status string) (Intent, error)
	ListIntents(ctx context.Context) ([]Intent, error)

	PutPayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (Payment, error)
	PaymentsForIntent(ctx context.Context, intentID string) ([]Payment, error)
	ListPayments(ctx context.Context) ([]Payment, error)

	Ping(ctx context.Context) error
}

// SettledPayment returns the first succeeded payment recorded for the intent.
func SettledPayment(ctx context.Context, s Store, intentID string) (Payment, bool, error) {
	payments, err := s.PaymentsForIntent(ctx, intentID)
	if err != nil {
		return Payment{}, false, err
	}
	for _, p := range payments {
		if p.Status == PaymentSucceeded {
			return p, true, nil
		}
	}
	return Payment{}, false, nil
}
