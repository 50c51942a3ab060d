// Package health serves liveness, readiness and the service status document.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/noah-isme/checkout-gateway/internal/common"
)

// Pinger is satisfied by the ledger and any other dependency probed for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the document served on GET /.
type Status struct {
	Service     string `json:"service"`
	Mode        string `json:"mode"`
	Backend     string `json:"backend"`
	Environment string `json:"environment"`
	Ledger      string `json:"ledger"`
	Fallback    bool   `json:"fallback_to_simulation"`
	Circuit     string `json:"processor_circuit,omitempty"`
}

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness flag; the server clears it when draining.
func SetReady(v bool) { ready.Store(v) }

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checks  map[string]Pinger
	Timeout time.Duration
	Status  Status
	// Circuit, when set, reports the processor breaker state on GET /.
	Circuit func() string
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSONError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is draining", nil)
		return
	}
	results := make(map[string]string, len(h.Checks))
	healthy := true
	for name, p := range h.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	common.JSON(w, status, results)
}

// Index serves the status document.
func (h Handler) Index(w http.ResponseWriter, _ *http.Request) {
	st := h.Status
	if h.Circuit != nil {
		st.Circuit = h.Circuit()
	}
	common.JSON(w, http.StatusOK, st)
}

func (h Handler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.Timeout
}
