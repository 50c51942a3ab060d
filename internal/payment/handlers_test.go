package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-gateway/internal/common"
)

func newTestRouter(svc *Service) http.Handler {
	h := NewHandler(svc)
	r := chi.NewRouter()
	r.Post("/api/create-payment-intent", h.CreateIntent)
	r.Post("/api/create-hpp-session", h.CreateHostedSession)
	r.Post("/api/confirm-payment", h.Confirm)
	r.Get("/api/payment/{id}", h.Payment)
	r.Get("/api/payment/order/{orderId}", h.PaymentByOrder)
	r.Get("/api/payment-intent/{id}", h.Intent)
	r.Get("/api/payments", h.Payments)
	r.Get("/api/payment-intents", h.Intents)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHTTPEndToEndSimulation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	router := newTestRouter(svc)

	rr, intent := do(t, router, http.MethodPost, "/api/create-payment-intent",
		`{"amount":100,"currency":"USD","customer":{"email":"a@b.com"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "requires_payment_method", intent["status"])
	require.Equal(t, true, intent["simulated"])
	require.EqualValues(t, 100, intent["amount"])
	require.Equal(t, "USD", intent["currency"])
	intentID := intent["id"].(string)

	_, list := do(t, router, http.MethodGet, "/api/payments", "")
	require.EqualValues(t, 0, list["total"])

	confirm := `{"paymentIntentId":"` + intentID + `","paymentMethod":{"card":{"number":"4242424242424242","exp_month":12,"exp_year":2030,"cvc":"123"},"billing":{"email":"a@b.com","first_name":"A","last_name":"B"}}}`
	rr, payment := do(t, router, http.MethodPost, "/api/confirm-payment", confirm)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "succeeded", payment["status"])
	require.Equal(t, "4242", payment["card_last4"])
	require.EqualValues(t, 100, payment["amount"])
	require.Equal(t, "USD", payment["currency"])
	require.NotContains(t, rr.Body.String(), "4242424242424242")

	_, list = do(t, router, http.MethodGet, "/api/payments", "")
	require.EqualValues(t, 1, list["total"])
	require.Len(t, list["items"], 1)

	rr, got := do(t, router, http.MethodGet, "/api/payment/"+payment["id"].(string), "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, intentID, got["payment_intent_id"])

	rr, got = do(t, router, http.MethodGet, "/api/payment-intent/"+intentID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "succeeded", got["status"])

	_, intents := do(t, router, http.MethodGet, "/api/payment-intents", "")
	require.EqualValues(t, 1, intents["total"])
}

func TestHTTPCreateIntentValidation(t *testing.T) {
	svc, store := newTestService(t, nil)
	router := newTestRouter(svc)

	cases := []string{
		`{"currency":"USD","customer":{"email":"a@b.com"}}`,
		`{"amount":0,"customer":{"email":"a@b.com"}}`,
		`{"amount":100}`,
		`{"amount":100,"customer":{}}`,
		`{"amount":100,"customer":{"email":"not-an-email"}}`,
		`not json`,
	}
	for _, body := range cases {
		rr, out := do(t, router, http.MethodPost, "/api/create-payment-intent", body)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
		require.Equal(t, "VALIDATION_ERROR", errorCode(out), body)
	}
	intents, _ := store.ListIntents(t.Context())
	require.Empty(t, intents)
}

func TestHTTPConfirmErrors(t *testing.T) {
	svc, store := newTestService(t, nil)
	router := newTestRouter(svc)

	rr, out := do(t, router, http.MethodPost, "/api/confirm-payment",
		`{"paymentIntentId":"int_missing","paymentMethod":{"card":{"number":"4242424242424242","exp_month":12,"exp_year":2030,"cvc":"123"}}}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "NOT_FOUND", errorCode(out))

	_, intent := do(t, router, http.MethodPost, "/api/create-payment-intent", `{"amount":100,"customer":{"email":"a@b.com"}}`)
	id := intent["id"].(string)

	cases := map[string]string{
		`{"number":"4242424242424","exp_month":12,"exp_year":2030,"cvc":"123"}`:  "INVALID_CARD_NUMBER",
		`{"number":"4242424242424242","exp_month":2,"exp_year":2025,"cvc":"123"}`: "CARD_EXPIRED",
		`{"number":"4242424242424242","exp_month":13,"exp_year":2030,"cvc":"123"}`: "INVALID_EXPIRY",
		`{"number":"4242424242424242","exp_month":12,"exp_year":2030,"cvc":"12"}`:  "INVALID_CVV",
	}
	for card, code := range cases {
		rr, out := do(t, router, http.MethodPost, "/api/confirm-payment",
			`{"paymentIntentId":"`+id+`","paymentMethod":{"card":`+card+`}}`)
		require.Equal(t, http.StatusBadRequest, rr.Code, card)
		require.Equal(t, code, errorCode(out), card)
	}

	rr, out = do(t, router, http.MethodPost, "/api/confirm-payment", `{"paymentIntentId":"`+id+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "VALIDATION_ERROR", errorCode(out))

	payments, _ := store.ListPayments(t.Context())
	require.Empty(t, payments)
}

func TestHTTPHostedSession(t *testing.T) {
	svc, _ := newTestService(t, nil)
	router := newTestRouter(svc)

	rr, out := do(t, router, http.MethodPost, "/api/create-hpp-session",
		`{"amount":100,"customer":{"email":"a@b.com"},"return_url":"https://shop.example.com/done?step=3"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	id := out["intentId"].(string)
	redirect := out["redirect_url"].(string)
	require.True(t, strings.HasPrefix(redirect, "https://shop.example.com/done?"))
	require.Contains(t, redirect, "payment_intent_id="+id)
	require.Contains(t, redirect, "simulated=true")
	require.Contains(t, redirect, "step=3")
}

func TestHTTPDeclineAndMissingRedirect(t *testing.T) {
	backend := &stubBackend{confirm: ConfirmResult{Outcome: OutcomeDeclined, Status: "failed", DeclineCode: "do_not_honor"}}
	svc, _ := newTestService(t, backend)
	router := newTestRouter(svc)

	_, intent := do(t, router, http.MethodPost, "/api/create-payment-intent", `{"amount":100,"customer":{"email":"a@b.com"}}`)
	rr, out := do(t, router, http.MethodPost, "/api/confirm-payment",
		`{"paymentIntentId":"`+intent["id"].(string)+`","paymentMethod":{"card":{"number":"4000000000000002","exp_month":"12","exp_year":"30","cvc":"123"}}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "PAYMENT_DECLINED", errorCode(out))
	details := out["error"].(map[string]any)["details"].(map[string]any)
	require.Equal(t, "do_not_honor", details["decline_code"])

	rr, out = do(t, router, http.MethodPost, "/api/create-hpp-session", `{"amount":100,"customer":{"email":"a@b.com"}}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "MISSING_REDIRECT", errorCode(out))
}

func TestHTTPLookupsNotFound(t *testing.T) {
	svc, _ := newTestService(t, nil)
	router := newTestRouter(svc)

	for _, path := range []string{"/api/payment/nope", "/api/payment/order/nope", "/api/payment-intent/nope"} {
		rr, out := do(t, router, http.MethodGet, path, "")
		require.Equal(t, http.StatusNotFound, rr.Code, path)
		require.Equal(t, "NOT_FOUND", errorCode(out), path)
	}

	_, list := do(t, router, http.MethodGet, "/api/payment-intents", "")
	require.EqualValues(t, 0, list["total"])
	require.Equal(t, []any{}, list["items"])
}

func TestToAppErrorKeepsCause(t *testing.T) {
	err := fmt.Errorf("intent int_1: %w", ErrNotFound)
	appErr, ok := common.AsAppError(toAppError(err))
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
	require.Equal(t, "NOT_FOUND", appErr.Code)
	require.ErrorIs(t, appErr, ErrNotFound)

	decline := &DeclineError{IntentID: "int_1", Outcome: OutcomeDeclined, Status: "failed", Code: "do_not_honor"}
	appErr, ok = common.AsAppError(toAppError(decline))
	require.True(t, ok)
	require.Equal(t, "PAYMENT_DECLINED", appErr.Code)
	require.Equal(t, "do_not_honor", appErr.Details.(map[string]string)["decline_code"])
}

func TestWriteErrorUnknownIsInternal(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, errors.New("ledger exploded"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "INTERNAL", errorCode(body))
	require.NotContains(t, rr.Body.String(), "exploded")
}
