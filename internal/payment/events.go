package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/checkout-gateway/internal/ledger"
)

// Event results.
const (
	EventRecorded  = "recorded"
	EventDuplicate = "duplicate"
	EventLogged    = "logged"
	EventIgnored   = "ignored"
)

// Event is a processor notification. Object is the payment intent carried in
// data, or in data.object.
type Event struct {
	ID     string
	Type   string
	Object EventObject
}

// EventObject holds the intent fields the receiver uses.
type EventObject struct {
	ID              string            `json:"id"`
	PaymentIntentID string            `json:"payment_intent_id"`
	Amount          json.Number       `json:"amount"`
	Currency        string            `json:"currency"`
	Status          string            `json:"status"`
	MerchantOrderID string            `json:"merchant_order_id"`
	Metadata        map[string]any    `json:"metadata"`
	ReceiptEmail    string            `json:"receipt_email"`
	Customer        *ledger.Customer  `json:"customer"`
	Billing         map[string]any    `json:"billing"`
	Latest          *struct {
		FailureCode   string `json:"failure_code"`
		PaymentMethod struct {
			Card struct {
				Last4 string `json:"last4"`
			} `json:"card"`
		} `json:"payment_method"`
	} `json:"latest_payment_attempt"`
}

// ErrMalformedEvent is returned for envelopes that are not JSON or carry no type.
var ErrMalformedEvent = fmt.Errorf("%w: malformed event", ErrValidation)

// ParseEvent decodes an envelope {type|name, id, data}.
func ParseEvent(body []byte) (Event, error) {
	var env struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	evt := Event{ID: env.ID, Type: strings.TrimSpace(env.Type)}
	if evt.Type == "" {
		evt.Type = strings.TrimSpace(env.Name)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return evt, nil
	}

	var wrapped struct {
		Object json.RawMessage `json:"object"`
	}
	data := env.Data
	if json.Unmarshal(env.Data, &wrapped) == nil && len(wrapped.Object) > 0 {
		data = wrapped.Object
	}
	if err := json.Unmarshal(data, &evt.Object); err != nil {
		return Event{}, fmt.Errorf("%w: data: %v", ErrMalformedEvent, err)
	}
	return evt, nil
}

func (o EventObject) intentID() string {
	if o.PaymentIntentID != "" {
		return o.PaymentIntentID
	}
	return o.ID
}

func (o EventObject) orderID() string {
	for _, key := range []string{"orderId", "order_id"} {
		if v, ok := o.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return o.MerchantOrderID
}

func (o EventObject) email() string {
	switch {
	case o.Customer != nil && o.Customer.Email != "":
		return o.Customer.Email
	case o.ReceiptEmail != "":
		return o.ReceiptEmail
	default:
		email, _ := o.Billing["email"].(string)
		return email
	}
}

// HandleEvent applies a processor event to the ledger. Settlement events
// record a Payment; failure and cancellation events are only logged.
// amountUnit describes how the sender expresses amounts.
func (s *Service) HandleEvent(ctx context.Context, evt Event, amountUnit string) (string, error) {
	log := s.logger(ctx).With().Str("event_id", evt.ID).Str("event_type", evt.Type).Logger()

	switch strings.ToLower(evt.Type) {
	case "payment_intent.succeeded", "payment_intent.captured":
	case "payment_intent.failed", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.cancelled":
		log.Info().Str("intent_id", evt.Object.intentID()).Str("status", evt.Object.Status).Msg("payment event received")
		return EventLogged, nil
	default:
		log.Info().Msg("unhandled payment event")
		return EventIgnored, nil
	}

	intentID := evt.Object.intentID()
	if intentID == "" {
		return "", fmt.Errorf("%w: event data carries no intent id", ErrMalformedEvent)
	}

	intent, err := s.Ledger.GetIntent(ctx, intentID)
	known := err == nil
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return "", err
	}

	if known && s.DedupeSettled {
		if _, ok, err := ledger.SettledPayment(ctx, s.Ledger, intentID); err != nil {
			return "", err
		} else if ok {
			log.Info().Str("intent_id", intentID).Msg("intent already settled")
			return EventDuplicate, nil
		}
	}

	payment := ledger.Payment{
		ID:              paymentID(false),
		PaymentIntentID: intentID,
		OrderID:         evt.Object.orderID(),
		Status:          ledger.PaymentSucceeded,
		Currency:        strings.ToUpper(evt.Object.Currency),
		CustomerEmail:   evt.Object.email(),
		Source:          ledger.SourceWebhook,
		CreatedAt:       s.now().UTC(),
	}
	if evt.Object.Latest != nil {
		payment.CardLast4 = evt.Object.Latest.PaymentMethod.Card.Last4
	}
	if known {
		payment.Amount = intent.Amount
		payment.Currency = intent.Currency
		payment.Simulated = intent.Simulated
		if payment.OrderID == "" {
			payment.OrderID = intent.OrderID
		}
		if payment.CustomerEmail == "" {
			payment.CustomerEmail = intent.Customer.Email
		}
	} else {
		amount, err := FromProcessorAmount(evt.Object.Amount, payment.Currency, amountUnit)
		if err != nil {
			return "", fmt.Errorf("%w: amount: %v", ErrMalformedEvent, err)
		}
		payment.Amount = amount
	}

	if err := s.Ledger.PutPayment(ctx, payment); err != nil {
		return "", fmt.Errorf("record payment: %w", err)
	}
	if known {
		if _, err := s.Ledger.UpdateIntentStatus(ctx, intentID, ledger.PaymentSucceeded); err != nil {
			log.Warn().Err(err).Msg("update intent status from event")
		}
	}
	log.Info().Str("intent_id", intentID).Str("payment_id", payment.ID).Bool("known_intent", known).Msg("payment recorded from event")
	return EventRecorded, nil
}
