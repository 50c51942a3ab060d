package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-gateway/internal/health"
	"github.com/noah-isme/checkout-gateway/internal/ledger"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadySuccess(t *testing.T) {
	handler := health.Handler{Checks: map[string]health.Pinger{"ledger": ledger.NewMemory()}}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var status map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, "ok", status["ledger"])
}

func TestReadyFailure(t *testing.T) {
	handler := health.Handler{Checks: map[string]health.Pinger{
		"ledger": stubPinger{},
		"redis":  stubPinger{err: errors.New("redis down")},
	}}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), "redis down")
}

func TestIndexReportsMode(t *testing.T) {
	handler := health.Handler{Status: health.Status{
		Service: "checkout-gateway", Mode: "simulation", Backend: "simulated", Environment: "development", Ledger: "memory",
	}}
	rr := httptest.NewRecorder()
	handler.Index(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "simulation", body["mode"])
	require.Equal(t, false, body["fallback_to_simulation"])
}

func TestIndexReportsCircuitState(t *testing.T) {
	handler := health.Handler{
		Status:  health.Status{Service: "checkout-gateway", Mode: "live", Backend: "airwallex"},
		Circuit: func() string { return "open" },
	}
	rr := httptest.NewRecorder()
	handler.Index(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "open", body["processor_circuit"])
}
