package payment

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/obs"
)

// Webhook receives processor events. Signature checks are opt-in; Replay, when
// set, drops byte-identical redeliveries for ReplayTTL.
type Webhook struct {
	Svc             *Service
	Secret          string
	VerifySignature bool
	Replay          *redis.Client
	ReplayTTL       time.Duration
	// AmountUnit is how senders express amounts; stripe events are always minor.
	AmountUnit string
}

// Handle serves POST /api/webhook and /api/webhook/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	log := obs.Logger(r.Context(), h.Svc.Log)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	if h.VerifySignature {
		signature := strings.TrimSpace(r.Header.Get("x-signature"))
		expected := common.HMACSha256Hex(h.Secret, []byte(r.Header.Get("x-timestamp")), body)
		if !common.EqualHex(strings.ToLower(signature), expected) {
			obs.CountWebhook("unknown", "bad_signature")
			log.Warn().Str("provider", provider).Msg("webhook signature mismatch")
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
			return
		}
	}

	evt, err := ParseEvent(body)
	if err != nil {
		obs.CountWebhook("unknown", "malformed")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}

	var claimed string
	if h.Replay != nil && h.ReplayTTL > 0 {
		key := fmt.Sprintf("wh:%s:%s", provider, common.Sha256Hex(string(body)))
		fresh, err := h.Replay.SetNX(r.Context(), key, "1", h.ReplayTTL).Result()
		if err != nil {
			log.Warn().Err(err).Msg("webhook replay guard unavailable")
		} else if !fresh {
			obs.CountWebhook(evt.Type, EventDuplicate)
			common.JSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true})
			return
		} else {
			claimed = key
		}
	}

	unit := h.AmountUnit
	if provider == "stripe" {
		unit = UnitMinor
	}
	result, err := h.Svc.HandleEvent(r.Context(), evt, unit)
	if err != nil {
		obs.CountWebhook(evt.Type, "error")
		if claimed != "" {
			_ = h.Replay.Del(r.Context(), claimed).Err()
		}
		writeError(w, err)
		return
	}
	obs.CountWebhook(evt.Type, result)
	common.JSON(w, http.StatusOK, map[string]bool{"received": true})
}
