package payment

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-gateway/internal/ledger"
)

type stripeFake struct {
	declined bool
	forms    map[string]url.Values
}

func (f *stripeFake) start(t *testing.T) Stripe {
	t.Helper()
	f.forms = map[string]url.Values{}
	record := func(name string, r *http.Request) {
		_ = r.ParseForm()
		f.forms[name] = r.PostForm
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		record("intent", r)
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","client_secret":"pi_1_secret_x","status":"requires_payment_method","amount":1999,"currency":"usd"}`))
	})
	mux.HandleFunc("POST /v1/payment_methods", func(w http.ResponseWriter, r *http.Request) {
		record("method", r)
		_, _ = w.Write([]byte(`{"id":"pm_1","object":"payment_method","type":"card","card":{"last4":"4242"}}`))
	})
	mux.HandleFunc("POST /v1/payment_intents/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		record("confirm", r)
		if f.declined {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + r.PathValue("id") + `","object":"payment_intent","status":"succeeded"}`))
	})
	mux.HandleFunc("POST /v1/checkout/sessions", func(w http.ResponseWriter, r *http.Request) {
		record("session", r)
		_, _ = w.Write([]byte(`{"id":"cs_1","object":"checkout.session","status":"open","url":"https://checkout.example.com/c/cs_1"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewStripe("sk_test_123", srv.URL, srv.Client())
}

func TestStripeCreateAndConfirm(t *testing.T) {
	fake := &stripeFake{}
	svc, store := newTestService(t, fake.start(t))
	ctx := t.Context()

	intent, err := svc.CreateIntent(ctx, CreateIntentInput{Amount: 1999, Currency: "USD", OrderID: "ord_s", Customer: ledger.Customer{Email: "a@b.com"}})
	require.NoError(t, err)
	require.Equal(t, "pi_1", intent.ID)
	require.Equal(t, "stripe", intent.Backend)
	require.Equal(t, "1999", fake.forms["intent"].Get("amount"))
	require.Equal(t, "usd", fake.forms["intent"].Get("currency"))
	require.Equal(t, "ord_s", fake.forms["intent"].Get("metadata[orderId]"))

	payment, err := svc.Confirm(ctx, ConfirmInput{
		PaymentIntentID: intent.ID,
		Card:            validCard(),
		Billing:         Billing{FirstName: "Ada", LastName: "Lovelace"},
	})
	require.NoError(t, err)
	require.Equal(t, "4242", payment.CardLast4)
	require.Equal(t, "4242424242424242", fake.forms["method"].Get("card[number]"))
	require.Equal(t, "Ada Lovelace", fake.forms["method"].Get("billing_details[name]"))
	require.Equal(t, "pm_1", fake.forms["confirm"].Get("payment_method"))

	payments, _ := store.ListPayments(ctx)
	require.Len(t, payments, 1)
}

func TestStripeCardErrorIsDecline(t *testing.T) {
	fake := &stripeFake{declined: true}
	svc, store := newTestService(t, fake.start(t))
	ctx := t.Context()

	intent, err := svc.CreateIntent(ctx, CreateIntentInput{Amount: 500, Customer: ledger.Customer{Email: "a@b.com"}})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, ConfirmInput{PaymentIntentID: intent.ID, Card: validCard()})
	var decline *DeclineError
	require.ErrorAs(t, err, &decline)
	require.Equal(t, "insufficient_funds", decline.Code)

	payments, _ := store.ListPayments(ctx)
	require.Empty(t, payments)
}

func TestStripeHostedSession(t *testing.T) {
	fake := &stripeFake{}
	svc, _ := newTestService(t, fake.start(t))

	intent, err := svc.CreateHostedSession(t.Context(), CreateIntentInput{Amount: 1200, Currency: "EUR", OrderID: "ord_h", Customer: ledger.Customer{Email: "a@b.com"}})
	require.NoError(t, err)
	require.Equal(t, "cs_1", intent.ID)
	require.Equal(t, "https://checkout.example.com/c/cs_1", intent.RedirectURL)

	form := fake.forms["session"]
	require.Equal(t, "payment", form.Get("mode"))
	require.Equal(t, "https://shop.example.com/return", form.Get("success_url"))
	require.Equal(t, "1200", form.Get("line_items[0][price_data][unit_amount]"))
	require.Equal(t, "ord_h", form.Get("payment_intent_data[metadata][orderId]"))
}
