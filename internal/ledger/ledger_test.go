package ledger_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-gateway/internal/ledger"
)

func stores(t *testing.T) map[string]ledger.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	out := map[string]ledger.Store{
		"memory": ledger.NewMemory(),
		"redis":  ledger.NewRedis(client, "test:"),
	}
	if url := os.Getenv("LEDGER_TEST_DATABASE_URL"); url != "" {
		require.NoError(t, ledger.Migrate(url))
		pool, err := pgxpool.New(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		_, err = pool.Exec(context.Background(), "TRUNCATE ledger_intents, ledger_payments")
		require.NoError(t, err)
		out["postgres"] = ledger.NewPostgres(pool)
	}
	return out
}

func intent(id, order string) ledger.Intent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return ledger.Intent{
		ID:        id,
		Amount:    100,
		Currency:  "USD",
		Status:    "requires_payment_method",
		OrderID:   order,
		Customer:  ledger.Customer{Email: "a@b.com"},
		Metadata:  map[string]string{"plan": "pro"},
		Backend:   "simulated",
		Simulated: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func payment(id, intentID, order string) ledger.Payment {
	return ledger.Payment{
		ID:              id,
		PaymentIntentID: intentID,
		OrderID:         order,
		Status:          ledger.PaymentSucceeded,
		Amount:          100,
		Currency:        "USD",
		CardLast4:       "4242",
		Source:          ledger.SourceConfirm,
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStoreIntents(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutIntent(ctx, intent("int_1", "ord_1")))
			require.NoError(t, store.PutIntent(ctx, intent("int_2", "ord_1")))
			require.NoError(t, store.PutIntent(ctx, intent("int_3", "ord_2")))
			require.ErrorIs(t, store.PutIntent(ctx, intent("int_1", "ord_9")), ledger.ErrDuplicate)

			got, err := store.GetIntent(ctx, "int_2")
			require.NoError(t, err)
			require.Equal(t, "ord_1", got.OrderID)
			require.Equal(t, "pro", got.Metadata["plan"])
			require.Equal(t, "a@b.com", got.Customer.Email)

			first, err := store.GetIntentByOrder(ctx, "ord_1")
			require.NoError(t, err)
			require.Equal(t, "int_1", first.ID)

			_, err = store.GetIntent(ctx, "missing")
			require.ErrorIs(t, err, ledger.ErrNotFound)
			_, err = store.GetIntentByOrder(ctx, "missing")
			require.ErrorIs(t, err, ledger.ErrNotFound)

			updated, err := store.UpdateIntentStatus(ctx, "int_1", "succeeded")
			require.NoError(t, err)
			require.Equal(t, "succeeded", updated.Status)
			_, err = store.UpdateIntentStatus(ctx, "missing", "succeeded")
			require.ErrorIs(t, err, ledger.ErrNotFound)

			all, err := store.ListIntents(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, []string{"int_1", "int_2", "int_3"}, []string{all[0].ID, all[1].ID, all[2].ID})
			require.Equal(t, "succeeded", all[0].Status)
		})
	}
}

func TestStorePayments(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			empty, err := store.ListPayments(ctx)
			require.NoError(t, err)
			require.Empty(t, empty)

			require.NoError(t, store.PutPayment(ctx, payment("pay_1", "int_1", "ord_1")))
			require.NoError(t, store.PutPayment(ctx, payment("pay_2", "int_1", "ord_1")))
			require.NoError(t, store.PutPayment(ctx, payment("pay_3", "int_2", "ord_2")))
			require.ErrorIs(t, store.PutPayment(ctx, payment("pay_1", "int_1", "ord_1")), ledger.ErrDuplicate)

			got, err := store.GetPayment(ctx, "pay_3")
			require.NoError(t, err)
			want := payment("pay_3", "int_2", "ord_2")
			require.Equal(t, "4242", got.CardLast4)
			require.Equal(t, ledger.PaymentSucceeded, got.Status)
			require.Equal(t, want.Amount, got.Amount)
			require.Equal(t, want.Currency, got.Currency)
			require.Equal(t, want.Source, got.Source)
			require.Equal(t, want.CustomerEmail, got.CustomerEmail)

			byOrder, err := store.GetPaymentByOrder(ctx, "ord_1")
			require.NoError(t, err)
			require.Equal(t, "pay_1", byOrder.ID)

			forIntent, err := store.PaymentsForIntent(ctx, "int_1")
			require.NoError(t, err)
			require.Len(t, forIntent, 2)

			settled, ok, err := ledger.SettledPayment(ctx, store, "int_2")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "pay_3", settled.ID)

			_, ok, err = ledger.SettledPayment(ctx, store, "int_404")
			require.NoError(t, err)
			require.False(t, ok)

			all, err := store.ListPayments(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)

			_, err = store.GetPayment(ctx, "missing")
			require.ErrorIs(t, err, ledger.ErrNotFound)
			require.NoError(t, store.Ping(ctx))
		})
	}
}

func TestMemoryConcurrentAppends(t *testing.T) {
	store := ledger.NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.PutPayment(ctx, payment(fmt.Sprintf("pay_%d", i), "int_1", "ord_1"))
		}(i)
	}
	wg.Wait()
	all, err := store.ListPayments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 50)
}
