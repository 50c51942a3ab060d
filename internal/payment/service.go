// Package payment opens payment intents with the configured processor,
// confirms them with card details and records the outcome in the ledger.
package payment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/checkout-gateway/internal/ledger"
	"github.com/noah-isme/checkout-gateway/internal/lock"
	"github.com/noah-isme/checkout-gateway/internal/obs"
)

const confirmLockTTL = time.Minute

// Service coordinates the processor backend and the ledger.
type Service struct {
	Ledger ledger.Store
	// Backend is chosen once at startup. Simulator resolves intents that were
	// created in simulation, including fallback intents of a live backend.
	Backend   Backend
	Simulator Simulated
	Locker    lock.Locker
	Log       zerolog.Logger
	Now       func() time.Time

	DefaultCurrency      string
	ReturnURL            string
	FallbackToSimulation bool
	DedupeSettled        bool
}

// CreateIntentInput is a storefront checkout request. Amount is in minor units.
type CreateIntentInput struct {
	Amount    int64
	Currency  string
	OrderID   string
	Customer  ledger.Customer
	Plan      string
	VIN       string
	Metadata  map[string]string
	ReturnURL string
}

// ConfirmInput pairs an intent id with the card submitted for it.
type ConfirmInput struct {
	PaymentIntentID string
	Card            *CardInput
	Billing         Billing
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger(ctx context.Context) zerolog.Logger {
	return obs.Logger(ctx, s.Log)
}

// CreateIntent opens a direct-confirm intent and records it.
func (s *Service) CreateIntent(ctx context.Context, in CreateIntentInput) (ledger.Intent, error) {
	return s.open(ctx, in, FlowDirect)
}

// CreateHostedSession opens an intent whose payment page is hosted by the
// processor. The returned intent carries RedirectURL.
func (s *Service) CreateHostedSession(ctx context.Context, in CreateIntentInput) (ledger.Intent, error) {
	if strings.TrimSpace(in.ReturnURL) == "" {
		in.ReturnURL = s.ReturnURL
	}
	return s.open(ctx, in, FlowHosted)
}

func (s *Service) open(ctx context.Context, in CreateIntentInput, flow string) (ledger.Intent, error) {
	if s == nil || s.Ledger == nil || s.Backend == nil {
		return ledger.Intent{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateIntent")
	defer span.End()

	backend := s.Backend
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.backend", backend.Name()),
			attribute.String("payment.flow", flow),
			attribute.String("payment.intent.result", result),
		)
		obs.CountIntent(backend.Name(), flow, result)
	}()

	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = s.DefaultCurrency
	}
	in.Customer.Email = strings.TrimSpace(in.Customer.Email)
	if err := validateIntentInput(in); err != nil {
		result = "invalid"
		return ledger.Intent{}, err
	}
	if strings.TrimSpace(in.OrderID) == "" {
		in.OrderID = "ord_" + randomHex()
	}

	params := IntentParams{
		Amount:    in.Amount,
		Currency:  in.Currency,
		OrderID:   in.OrderID,
		Customer:  in.Customer,
		Metadata:  intentMetadata(in),
		ReturnURL: in.ReturnURL,
	}
	res, err := createWith(ctx, backend, flow, params)
	if err != nil && s.FallbackToSimulation && !backend.Simulated() && (errors.Is(err, ErrUpstream) || errors.Is(err, ErrAuth)) {
		log := s.logger(ctx)
		log.Warn().Err(err).Str("backend", backend.Name()).Str("flow", flow).Str("order_id", in.OrderID).
			Msg("processor unavailable, continuing in simulation")
		obs.CountFallback(flow)
		backend = s.Simulator
		res, err = createWith(ctx, backend, flow, params)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ledger.Intent{}, err
	}

	now := s.now().UTC()
	status := res.Status
	if status == "" {
		status = StatusRequiresPaymentMethod
	}
	intent := ledger.Intent{
		ID:           res.ID,
		ClientSecret: res.ClientSecret,
		Amount:       in.Amount,
		Currency:     in.Currency,
		Status:       status,
		OrderID:      in.OrderID,
		Customer:     in.Customer,
		Plan:         in.Plan,
		VIN:          in.VIN,
		Metadata:     params.Metadata,
		ReturnURL:    in.ReturnURL,
		RedirectURL:  res.RedirectURL,
		Backend:      backend.Name(),
		Simulated:    backend.Simulated(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Ledger.PutIntent(ctx, intent); err != nil {
		span.RecordError(err)
		return ledger.Intent{}, fmt.Errorf("record intent: %w", err)
	}
	span.SetAttributes(attribute.String("payment.intent.id", intent.ID), attribute.Bool("payment.simulated", intent.Simulated))
	result = "created"
	if intent.Simulated {
		result = "simulated"
	}
	return intent, nil
}

func createWith(ctx context.Context, b Backend, flow string, p IntentParams) (IntentResult, error) {
	if flow == FlowHosted {
		return b.CreateHostedSession(ctx, p)
	}
	return b.CreateIntent(ctx, p)
}

func validateIntentInput(in CreateIntentInput) error {
	fields := map[string]string{}
	if in.Amount <= 0 {
		fields["amount"] = "must be greater than zero"
	}
	if in.Customer.Email == "" {
		fields["customer.email"] = "is required"
	}
	if len(in.Currency) != 3 {
		fields["currency"] = "must be a 3-letter ISO code"
	}
	if len(fields) > 0 {
		return &FieldError{Fields: fields}
	}
	return nil
}

func intentMetadata(in CreateIntentInput) map[string]string {
	md := maps.Clone(in.Metadata)
	if md == nil {
		md = map[string]string{}
	}
	if in.Plan != "" {
		md["plan"] = in.Plan
	}
	if in.VIN != "" {
		md["vin"] = in.VIN
	}
	md["orderId"] = in.OrderID
	return md
}

// Confirm validates the card, forwards it to the backend that owns the intent
// and records a Payment when the processor settles it. Confirmations of the
// same intent run one at a time.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (ledger.Payment, error) {
	if s == nil || s.Ledger == nil || s.Backend == nil {
		return ledger.Payment{}, errors.New("payment service not configured")
	}
	in.PaymentIntentID = strings.TrimSpace(in.PaymentIntentID)
	if in.PaymentIntentID == "" {
		return ledger.Payment{}, invalid("paymentIntentId", "is required")
	}
	if in.Card == nil {
		return ledger.Payment{}, invalid("paymentMethod.card", "is required")
	}

	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent.id", in.PaymentIntentID))

	intent, err := s.Ledger.GetIntent(ctx, in.PaymentIntentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Payment{}, fmt.Errorf("intent %s: %w", in.PaymentIntentID, ErrNotFound)
	}
	if err != nil {
		return ledger.Payment{}, err
	}
	if err := ValidateCard(*in.Card, s.now()); err != nil {
		return ledger.Payment{}, err
	}

	var payment ledger.Payment
	run := func(ctx context.Context) error {
		var err error
		payment, err = s.confirmLocked(ctx, intent, in)
		return err
	}
	if s.Locker != nil {
		err = s.Locker.WithLock(ctx, "confirm:"+intent.ID, confirmLockTTL, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrDeclined) {
			span.SetStatus(codes.Error, err.Error())
		}
		return ledger.Payment{}, err
	}
	return payment, nil
}

func (s *Service) confirmLocked(ctx context.Context, intent ledger.Intent, in ConfirmInput) (ledger.Payment, error) {
	if s.DedupeSettled {
		existing, ok, err := ledger.SettledPayment(ctx, s.Ledger, intent.ID)
		if err != nil {
			return ledger.Payment{}, err
		}
		if ok {
			return existing, nil
		}
	}

	var backend Backend = s.Backend
	if intent.Simulated {
		backend = s.Simulator
	}
	log := s.logger(ctx).With().Str("intent_id", intent.ID).Str("backend", backend.Name()).Logger()

	start := time.Now()
	res, err := backend.Confirm(ctx, ConfirmParams{Intent: intent, Card: *in.Card, Billing: in.Billing})
	obs.ObserveConfirm(backend.Name(), obs.DurationMillis(time.Since(start)))
	if err != nil {
		obs.CountConfirm(backend.Name(), OutcomeError.String())
		log.Error().Err(err).Msg("processor confirm failed")
		return ledger.Payment{}, err
	}
	obs.CountConfirm(backend.Name(), res.Outcome.String())

	if res.Outcome != OutcomeSucceeded {
		status := res.Status
		if status == "" {
			status = res.Outcome.String()
		}
		if _, err := s.Ledger.UpdateIntentStatus(ctx, intent.ID, status); err != nil {
			log.Warn().Err(err).Msg("update intent status after decline")
		}
		log.Info().Str("outcome", res.Outcome.String()).Str("decline_code", res.DeclineCode).
			Str("card", MaskCard(in.Card.Number)).Msg("payment declined")
		return ledger.Payment{}, &DeclineError{IntentID: intent.ID, Outcome: res.Outcome, Status: status, Code: res.DeclineCode}
	}

	last4 := res.CardLast4
	if last4 == "" {
		last4 = in.Card.Last4()
	}
	email := in.Billing.Email
	if email == "" {
		email = intent.Customer.Email
	}
	payment := ledger.Payment{
		ID:              paymentID(intent.Simulated),
		PaymentIntentID: intent.ID,
		OrderID:         intent.OrderID,
		Status:          ledger.PaymentSucceeded,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		CardLast4:       last4,
		CustomerEmail:   email,
		Source:          ledger.SourceConfirm,
		Simulated:       intent.Simulated,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.Ledger.PutPayment(ctx, payment); err != nil {
		return ledger.Payment{}, fmt.Errorf("record payment: %w", err)
	}
	if _, err := s.Ledger.UpdateIntentStatus(ctx, intent.ID, ledger.PaymentSucceeded); err != nil {
		log.Warn().Err(err).Msg("update intent status after payment")
	}
	log.Info().Str("payment_id", payment.ID).Str("card", MaskCard(in.Card.Number)).Msg("payment succeeded")
	return payment, nil
}

func paymentID(simulated bool) string {
	if simulated {
		return "pay_sim_" + randomHex()
	}
	return "pay_" + randomHex()
}

// Payment returns the payment with id, or the intent with the same id when no
// payment matches.
func (s *Service) Payment(ctx context.Context, id string) (any, error) {
	p, err := s.Ledger.GetPayment(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	return s.Intent(ctx, id)
}

// PaymentByOrder returns the first payment for orderID, falling back to the
// first intent for it.
func (s *Service) PaymentByOrder(ctx context.Context, orderID string) (any, error) {
	p, err := s.Ledger.GetPaymentByOrder(ctx, orderID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	in, err := s.Ledger.GetIntentByOrder(ctx, orderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return in, err
}

// Intent looks up one intent.
func (s *Service) Intent(ctx context.Context, id string) (ledger.Intent, error) {
	in, err := s.Ledger.GetIntent(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Intent{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return in, err
}

// Payments lists every recorded payment in insertion order.
func (s *Service) Payments(ctx context.Context) ([]ledger.Payment, error) {
	return s.Ledger.ListPayments(ctx)
}

// Intents lists every recorded intent in insertion order.
func (s *Service) Intents(ctx context.Context) ([]ledger.Intent, error) {
	return s.Ledger.ListIntents(ctx)
}
