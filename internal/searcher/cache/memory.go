package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
)

// MemoryBackend is an in-process LRU with per-entry expiry. Results are
// shared between callers and must be treated as read-only.
type MemoryBackend struct {
	lru *expirable.LRU[string, *engine.Result]
}

func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{lru: expirable.NewLRU[string, *engine.Result](size, nil, ttl)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, key string) (*engine.Result, bool, error) {
	res, ok := m.lru.Get(key)
	return res, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, res *engine.Result) error {
	m.lru.Add(key, res)
	return nil
}

func (m *MemoryBackend) InvalidateIndex(_ context.Context, index string) error {
	prefix := indexPrefix(index)
	for _, k := range m.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.lru.Remove(k)
		}
	}
	return nil
}

func (m *MemoryBackend) Len() int { return m.lru.Len() }
