package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	redisLimiter, err := NewRedis(client, "test", 1, time.Minute)
	require.NoError(t, err)

	for name, l := range map[string]Limiter{
		"memory": NewMemory(1, time.Minute),
		"redis":  redisLimiter,
	} {
		t.Run(name, func(t *testing.T) {
			handler := Handler{
				Limiter: l,
				Key:     func(*http.Request) string { return "static" },
			}.Middleware(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/api/confirm-payment", nil)
			rr1 := httptest.NewRecorder()
			handler.ServeHTTP(rr1, req.Clone(req.Context()))
			require.Equal(t, http.StatusOK, rr1.Code)
			require.Equal(t, "0", rr1.Header().Get("X-RateLimit-Remaining"))

			rr2 := httptest.NewRecorder()
			handler.ServeHTTP(rr2, req.Clone(req.Context()))
			require.Equal(t, http.StatusTooManyRequests, rr2.Code)
			require.Equal(t, "1", rr2.Header().Get("X-RateLimit-Limit"))
			require.NotEmpty(t, rr2.Header().Get("Retry-After"))
			require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
		})
	}
}

func TestHandlerKeysAreIndependent(t *testing.T) {
	handler := Handler{
		Limiter: NewMemory(1, time.Minute),
		Key:     ByClientIP("confirm:"),
	}.Middleware(okHandler())

	for _, addr := range []string{"10.0.0.1:1234", "10.0.0.2:1234"} {
		req := httptest.NewRequest(http.MethodPost, "/api/confirm-payment", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, addr)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	called := false
	handler := Handler{
		Limiter: failingLimiter{},
		Key:     func(*http.Request) string { return "err" },
		OnError: func(error) { called = true },
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}
