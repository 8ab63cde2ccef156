// Package cache memoises search results. Keys include the generation the
// result was read from, so a commit implicitly retires every older entry;
// invalidation only reclaims space.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
)

const keyPrefix = "search:"

// Key identifies one cacheable search.
type Key struct {
	Index      string
	Generation uint64
	Query      string
	Limit      int
}

// String renders the key as "search:<index>:<generation>:<digest>".
func (k Key) String() string {
	sum := sha256.Sum256([]byte(k.Query + "|limit=" + strconv.Itoa(k.Limit)))
	return fmt.Sprintf("%s%s:%d:%x", keyPrefix, k.Index, k.Generation, sum[:16])
}

func indexPrefix(index string) string {
	return keyPrefix + index + ":"
}

// Backend stores results by rendered key.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (*engine.Result, bool, error)
	Set(ctx context.Context, key string, res *engine.Result) error
	InvalidateIndex(ctx context.Context, index string) error
}

// Cache coalesces concurrent identical searches and stores their results
// in a Backend. A nil *Cache always calls through.
type Cache struct {
	backend Backend
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(backend Backend, m *metrics.Metrics) *Cache {
	return &Cache{
		backend: backend,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache", "backend", backend.Name()),
	}
}

// Fetch returns the cached result for key or computes it with load. The
// boolean reports a cache hit. Backend failures degrade to a miss.
func (c *Cache) Fetch(
	ctx context.Context,
	key Key,
	load func(context.Context) (*engine.Result, error),
) (*engine.Result, bool, error) {
	if c == nil {
		res, err := load(ctx)
		return res, false, err
	}
	k := key.String()
	if res, ok := c.get(ctx, k); ok {
		c.metrics.CacheHit()
		return res, true, nil
	}
	c.metrics.CacheMiss()

	val, err, _ := c.group.Do(k, func() (interface{}, error) {
		if res, ok := c.get(ctx, k); ok {
			return res, nil
		}
		res, err := load(ctx)
		if err != nil {
			return nil, err
		}
		// a result read from another generation must not be filed under this key
		if res.Generation == key.Generation {
			if err := c.backend.Set(ctx, k, res); err != nil {
				c.logger.Warn("cache set failed", "index", key.Index, "error", err)
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*engine.Result), false, nil
}

// Invalidate drops every entry for index.
func (c *Cache) Invalidate(ctx context.Context, index string) {
	if c == nil {
		return
	}
	if err := c.backend.InvalidateIndex(ctx, index); err != nil {
		c.logger.Warn("cache invalidation failed", "index", index, "error", err)
	}
}

func (c *Cache) get(ctx context.Context, key string) (*engine.Result, bool) {
	res, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return nil, false
	}
	return res, ok
}
