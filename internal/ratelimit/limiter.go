// Package ratelimit throttles requests per caller using fixed windows kept in
// memory or Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Limiter decides whether an event for key fits within the configured rate.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Window adapts a ulule limiter instance to the Limiter interface.
type Window struct {
	l *limiter.Limiter
}

// NewMemory returns a limiter whose counters live in this process.
func NewMemory(max int, period time.Duration) *Window {
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          "ratelimit",
		CleanUpInterval: period,
	})
	return newWindow(store, max, period)
}

// NewRedis returns a limiter whose counters are shared through Redis.
func NewRedis(client *redis.Client, prefix string, max int, period time.Duration) (*Window, error) {
	if prefix == "" {
		prefix = "ratelimit"
	}
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return newWindow(store, max, period), nil
}

func newWindow(store limiter.Store, max int, period time.Duration) *Window {
	return &Window{l: limiter.New(store, limiter.Rate{Period: period, Limit: int64(max)})}
}

// Allow records one event for key.
func (w *Window) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := w.l.Get(ctx, key)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     int(res.Limit),
		Remaining: int(res.Remaining),
		Reset:     time.Unix(res.Reset, 0),
	}, nil
}
