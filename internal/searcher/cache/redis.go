package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/resilience"
)

// RedisStore is the subset of the redis client the backend uses.
type RedisStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)
}

// RedisBackend stores JSON-encoded results in Redis. Calls go through a
// circuit breaker so an unavailable Redis costs one fast failure per query
// instead of a network timeout.
type RedisBackend struct {
	store   RedisStore
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
}

func NewRedisBackend(store RedisStore, ttl time.Duration, breaker *resilience.CircuitBreaker) *RedisBackend {
	return &RedisBackend{store: store, ttl: ttl, breaker: breaker}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Get(ctx context.Context, key string) (*engine.Result, bool, error) {
	var (
		data []byte
		ok   bool
	)
	err := r.breaker.Execute(func() error {
		var err error
		data, ok, err = r.store.Get(ctx, key)
		return err
	})
	if err != nil || !ok {
		return nil, false, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var res engine.Result
	if err := dec.Decode(&res); err != nil {
		return nil, false, fmt.Errorf("decoding cached result: %w", err)
	}
	return &res, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, res *engine.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return r.breaker.Execute(func() error {
		return r.store.Set(ctx, key, data, r.ttl)
	})
}

func (r *RedisBackend) InvalidateIndex(ctx context.Context, index string) error {
	return r.breaker.Execute(func() error {
		_, err := r.store.DeleteByPattern(ctx, indexPrefix(index)+"*")
		return err
	})
}
