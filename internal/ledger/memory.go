package ledger

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Memory is a process-local Store. Contents are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	intents  map[string]*Intent
	intentIx []string
	payments map[string]Payment
	payIx    []string
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		intents:  make(map[string]*Intent),
		payments: make(map[string]Payment),
	}
}

func (m *Memory) PutIntent(_ context.Context, intent Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.ID]; ok {
		return ErrDuplicate
	}
	stored := intent
	stored.Metadata = maps.Clone(intent.Metadata)
	m.intents[intent.ID] = &stored
	m.intentIx = append(m.intentIx, intent.ID)
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id string) (Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if intent, ok := m.intents[id]; ok {
		return *intent, nil
	}
	return Intent{}, ErrNotFound
}

func (m *Memory) GetIntentByOrder(_ context.Context, orderID string) (Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.intentIx {
		if intent := m.intents[id]; intent.OrderID == orderID {
			return *intent, nil
		}
	}
	return Intent{}, ErrNotFound
}

func (m *Memory) UpdateIntentStatus(_ context.Context, id, status string) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return Intent{}, ErrNotFound
	}
	intent.Status = status
	intent.UpdatedAt = time.Now().UTC()
	return *intent, nil
}

func (m *Memory) ListIntents(_ context.Context) ([]Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Intent, 0, len(m.intentIx))
	for _, id := range m.intentIx {
		out = append(out, *m.intents[id])
	}
	return out, nil
}

func (m *Memory) PutPayment(_ context.Context, payment Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.ID]; ok {
		return ErrDuplicate
	}
	m.payments[payment.ID] = payment
	m.payIx = append(m.payIx, payment.ID)
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.payments[id]; ok {
		return p, nil
	}
	return Payment{}, ErrNotFound
}

func (m *Memory) GetPaymentByOrder(_ context.Context, orderID string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.payIx {
		if p := m.payments[id]; p.OrderID == orderID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (m *Memory) PaymentsForIntent(_ context.Context, intentID string) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, id := range m.payIx {
		if p := m.payments[id]; p.PaymentIntentID == intentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) ListPayments(_ context.Context) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Payment, 0, len(m.payIx))
	for _, id := range m.payIx {
		out = append(out, m.payments[id])
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
