package payment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-gateway/internal/ledger"
	"github.com/noah-isme/checkout-gateway/internal/lock"
)

var march2025 = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, backend Backend) (*Service, *ledger.Memory) {
	t.Helper()
	store := ledger.NewMemory()
	if backend == nil {
		backend = Simulated{}
	}
	return &Service{
		Ledger:          store,
		Backend:         backend,
		Simulator:       Simulated{},
		Locker:          lock.NewMemory(),
		Log:             zerolog.Nop(),
		Now:             func() time.Time { return march2025 },
		DefaultCurrency: "USD",
		ReturnURL:       "https://shop.example.com/return",
	}, store
}

func validCard() *CardInput {
	return &CardInput{Number: "4242 4242 4242 4242", ExpMonth: 12, ExpYear: 2030, CVC: "123"}
}

// stubBackend is a live backend whose answers are scripted by the test.
type stubBackend struct {
	createErr error
	redirect  string
	confirm   ConfirmResult
	confirmFn func(ConfirmParams) (ConfirmResult, error)
	creates   atomic.Int32
	confirms  atomic.Int32
}

func (*stubBackend) Name() string    { return "stub" }
func (*stubBackend) Simulated() bool { return false }

func (b *stubBackend) CreateIntent(_ context.Context, p IntentParams) (IntentResult, error) {
	n := b.creates.Add(1)
	if b.createErr != nil {
		return IntentResult{}, b.createErr
	}
	return IntentResult{ID: "int_live_" + string(rune('0'+n)), ClientSecret: "secret", Status: "requires_payment_method", RedirectURL: b.redirect}, nil
}

func (b *stubBackend) CreateHostedSession(ctx context.Context, p IntentParams) (IntentResult, error) {
	res, err := b.CreateIntent(ctx, p)
	if err != nil {
		return res, err
	}
	if res.RedirectURL == "" {
		return IntentResult{}, ErrMissingRedirect
	}
	return res, nil
}

func (b *stubBackend) Confirm(_ context.Context, p ConfirmParams) (ConfirmResult, error) {
	b.confirms.Add(1)
	if b.confirmFn != nil {
		return b.confirmFn(p)
	}
	return b.confirm, nil
}

var errBoom = errors.New("boom")
