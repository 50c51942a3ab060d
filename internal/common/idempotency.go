package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const idemPending = "pending"

// Idem provides an Idempotency-Key middleware backed by Redis. Without a
// client every request passes through.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

type idemRecord struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

func hashKey(r *http.Request, key string) string {
	return "idem:" + Sha256Hex(r.Method+" "+r.URL.Path+" "+key)
}

// Middleware runs a write once per Idempotency-Key and route. A successful
// response is stored for TTL and replayed to later requests with the same key;
// a response with status >= 400 releases the key so the caller can retry.
// Requests that arrive while the first one is still running get 409.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		key := hashKey(r, header)
		ok, err := i.R.SetNX(r.Context(), key, idemPending, ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			i.replay(w, r, key)
			return
		}

		// the claim is released unless a response was stored, panics included
		stored := false
		bg := context.WithoutCancel(r.Context())
		defer func() {
			if !stored {
				_ = i.R.Del(bg, key).Err()
			}
		}()

		rec := &idemRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusBadRequest {
			return
		}
		raw, err := json.Marshal(idemRecord{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err != nil {
			return
		}
		if err := i.R.Set(bg, key, raw, ttl).Err(); err == nil {
			stored = true
		}
	})
}

func (i Idem) replay(w http.ResponseWriter, r *http.Request, key string) {
	raw, err := i.R.Get(r.Context(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_RETRY", "previous request with this key just finished, retry", nil)
		return
	}
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", map[string]any{"error": err.Error()})
		return
	}
	if string(raw) == idemPending {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_IN_FLIGHT", "a request with this key is still running", nil)
		return
	}
	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency record unreadable", nil)
		return
	}
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

type idemRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *idemRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *idemRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
