package ledger

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// casRetries bounds optimistic-lock retries before surfacing ErrConflict.
// Contention on a single subscription record is expected to be short-lived.
const casRetries = 5

// incrementIfBelowScript performs the guarded check-and-debit server-side so
// two concurrent callers cannot both pass the check before either debits.
// Returns {newValue, 1} on success or {currentValue, 0} when the guard fails.
var incrementIfBelowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + delta > limit then
  return {current, 0}
end
return {redis.call('INCRBY', KEYS[1], delta), 1}
`)

// Redis implements Ledger on top of a Redis server. Counters use INCRBY,
// claims use SET NX PX, and conditional writes use WATCH transactions, so all
// guarantees hold across processes sharing the same server.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an established go-redis client. The caller owns the client
// lifecycle (see pkg/redis for connection setup).
func NewRedis(client *redis.Client) *Redis {
	if client == nil {
		panic("ledger: redis client is required")
	}
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return val, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	// Create-if-absent maps directly onto SET NX without a transaction.
	if old == nil {
		ok, err := r.client.SetNX(ctx, key, new, 0).Result()
		if err != nil {
			return errors.Join(ErrUnavailable, err)
		}
		if !ok {
			return ErrConflict
		}
		return nil
	}

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, old) {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, new, 0)
			return nil
		})
		return err
	}

	for range casRetries {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed between WATCH and EXEC, re-read and retry
		}
		if err != nil && !errors.Is(err, ErrConflict) {
			return errors.Join(ErrUnavailable, err)
		}
		return err
	}
	return ErrConflict
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return val, nil
}

func (r *Redis) IncrementIfBelow(ctx context.Context, key string, delta, limit int64) (int64, error) {
	res, err := incrementIfBelowScript.Run(ctx, r.client, []string{key}, delta, limit).Int64Slice()
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	if len(res) != 2 {
		return 0, errors.Join(ErrUnavailable, errors.New("ledger: unexpected script result"))
	}
	if res[1] == 0 {
		return res[0], ErrGuardFailed
	}
	return res[0], nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Join(ErrUnavailable, err)
	}
	return ok, nil
}

func (r *Redis) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return val, nil
}

func (r *Redis) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)

	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, errors.Join(ErrUnavailable, err)
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return out, nil
}
