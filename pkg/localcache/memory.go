// Package localcache implements the ephemeral, per-node tier of the
// descriptor store.
package localcache

import (
	"context"
	"time"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSize bounds the in-process cache when no size is configured.
const DefaultSize = 10000

// Memory is an in-process LRU. Entries are immutable so the only eviction
// inputs are capacity and the optional TTL.
type Memory struct {
	lru *expirable.LRU[string, core.Entry]
}

// NewMemory returns a cache holding at most size entries (DefaultSize when
// size <= 0). A ttl of 0 keeps entries until evicted by capacity.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	return &Memory{lru: expirable.NewLRU[string, core.Entry](size, nil, ttl)}
}

// Match returns a copy of the cached entry.
func (m *Memory) Match(_ context.Context, cacheKey string) (core.Entry, bool, error) {
	e, ok := m.lru.Get(cacheKey)
	if ok {
		e.Descriptor = e.Descriptor.Clone()
	}
	return e, ok, nil
}

func (m *Memory) Put(_ context.Context, cacheKey string, e core.Entry) error {
	e.Descriptor = e.Descriptor.Clone()
	m.lru.Add(cacheKey, e)
	return nil
}

func (m *Memory) Len() int { return m.lru.Len() }

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
