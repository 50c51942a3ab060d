package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis is a Store keeping JSON records in Redis so several gateway replicas
// can share one ledger.
//
// Keys (relative to Prefix):
//
//	intent:<id>            JSON intent
//	intents                list of intent ids in insertion order
//	intent:order:<order>   first intent id seen for the order
//	payment:<id>           JSON payment
//	payments               list of payment ids in insertion order
//	payment:order:<order>  first payment id seen for the order
//	payment:intent:<id>    list of payment ids for the intent
type Redis struct {
	Client *redis.Client
	Prefix string
}

// NewRedis returns a Redis ledger using prefix (default "ledger:").
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ledger:"
	}
	return &Redis{Client: client, Prefix: prefix}
}

func (r *Redis) key(parts ...string) string {
	k := r.Prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *Redis) PutIntent(ctx context.Context, intent Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	ok, err := r.Client.SetNX(ctx, r.key("intent", intent.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}
	pipe := r.Client.TxPipeline()
	pipe.RPush(ctx, r.key("intents"), intent.ID)
	if intent.OrderID != "" {
		pipe.SetNX(ctx, r.key("intent", "order", intent.OrderID), intent.ID, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) GetIntent(ctx context.Context, id string) (Intent, error) {
	var intent Intent
	err := r.getJSON(ctx, r.key("intent", id), &intent)
	return intent, err
}

func (r *Redis) GetIntentByOrder(ctx context.Context, orderID string) (Intent, error) {
	id, err := r.Client.Get(ctx, r.key("intent", "order", orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, err
	}
	return r.GetIntent(ctx, id)
}

// UpdateIntentStatus rewrites the intent under WATCH so concurrent status
// changes do not clobber each other.
func (r *Redis) UpdateIntentStatus(ctx context.Context, id, status string) (Intent, error) {
	key := r.key("intent", id)
	var updated Intent
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &updated); err != nil {
			return fmt.Errorf("decode intent: %w", err)
		}
		updated.Status = status
		updated.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := r.Client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Intent{}, err
		}
		return updated, nil
	}
	return Intent{}, fmt.Errorf("update intent %s: %w", id, redis.TxFailedErr)
}

func (r *Redis) ListIntents(ctx context.Context) ([]Intent, error) {
	ids, err := r.Client.LRange(ctx, r.key("intents"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key("intent", id)
	}
	return mgetJSON[Intent](ctx, r.Client, keys)
}

func (r *Redis) PutPayment(ctx context.Context, payment Payment) error {
	data, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("encode payment: %w", err)
	}
	ok, err := r.Client.SetNX(ctx, r.key("payment", payment.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}
	pipe := r.Client.TxPipeline()
	pipe.RPush(ctx, r.key("payments"), payment.ID)
	pipe.RPush(ctx, r.key("payment", "intent", payment.PaymentIntentID), payment.ID)
	if payment.OrderID != "" {
		pipe.SetNX(ctx, r.key("payment", "order", payment.OrderID), payment.ID, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) GetPayment(ctx context.Context, id string) (Payment, error) {
	var p Payment
	err := r.getJSON(ctx, r.key("payment", id), &p)
	return p, err
}

func (r *Redis) GetPaymentByOrder(ctx context.Context, orderID string) (Payment, error) {
	id, err := r.Client.Get(ctx, r.key("payment", "order", orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	return r.GetPayment(ctx, id)
}

func (r *Redis) PaymentsForIntent(ctx context.Context, intentID string) ([]Payment, error) {
	ids, err := r.Client.LRange(ctx, r.key("payment", "intent", intentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key("payment", id)
	}
	return mgetJSON[Payment](ctx, r.Client, keys)
}

func (r *Redis) ListPayments(ctx context.Context) ([]Payment, error) {
	ids, err := r.Client.LRange(ctx, r.key("payments"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key("payment", id)
	}
	return mgetJSON[Payment](ctx, r.Client, keys)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) error {
	raw, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func mgetJSON[T any](ctx context.Context, client *redis.Client, keys []string) ([]T, error) {
	out := make([]T, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}
