package localcache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key, body, ct string) core.Entry {
	return core.Entry{
		Descriptor: core.Descriptor{Key: core.Key(key), Data: []byte(body), ContentType: ct},
		InsertedAt: time.Unix(1_700_000_000, 123),
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, 0)

	_, ok, err := m.Match(ctx, "/v1/desc/a")
	require.NoError(t, err)
	assert.False(t, ok)

	e := entry("a", "hello", "text/plain")
	require.NoError(t, m.Put(ctx, "/v1/desc/a", e))
	e.Descriptor.Data[0] = 'J'

	got, ok, err := m.Match(ctx, "/v1/desc/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got.Descriptor.Data), "stored entry must not alias the caller's buffer")

	got.Descriptor.Data[0] = 'y'
	again, ok, err := m.Match(ctx, "/v1/desc/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(again.Descriptor.Data), "matched entry must not alias the cache")

	t.Run("CapacityEviction", func(t *testing.T) {
		require.NoError(t, m.Put(ctx, "/v1/desc/b", entry("b", "b", "")))
		require.NoError(t, m.Put(ctx, "/v1/desc/c", entry("c", "c", "")))
		assert.Equal(t, 2, m.Len())
		_, ok, _ := m.Match(ctx, "/v1/desc/a")
		assert.False(t, ok)
	})

	require.NoError(t, m.Close())
	assert.Zero(t, m.Len())
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 20*time.Millisecond)
	require.NoError(t, m.Put(ctx, "k", entry("k", "v", "")))

	require.Eventually(t, func() bool {
		_, ok, _ := m.Match(ctx, "k")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

type fakeMemcache struct {
	mu    sync.Mutex
	items map[string]*memcache.Item
	err   error
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	it, ok := f.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return it, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items[item.Key] = item
	return nil
}

func TestMemcache(t *testing.T) {
	ctx := context.Background()
	fake := &fakeMemcache{items: make(map[string]*memcache.Item)}
	m := newMemcache(fake, time.Hour)

	_, ok, err := m.Match(ctx, "/v1/desc/deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)

	e := entry("deadbeef", "hello", "text/plain")
	require.NoError(t, m.Put(ctx, "/v1/desc/deadbeef", e))

	item := fake.items["descedge|/v1/desc/deadbeef"]
	require.NotNil(t, item)
	assert.Equal(t, int32(3600), item.Expiration)

	got, ok, err := m.Match(ctx, "/v1/desc/deadbeef")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Descriptor, got.Descriptor)
	assert.True(t, e.InsertedAt.Equal(got.InsertedAt))

	t.Run("LongKeyHashed", func(t *testing.T) {
		long := "/v1/desc/" + strings.Repeat("a", 300)
		require.NoError(t, m.Put(ctx, long, entry(long[9:], "x", "")))
		for k := range fake.items {
			assert.LessOrEqual(t, len(k), maxKeyLen)
		}
		_, ok, err := m.Match(ctx, long)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("CorruptValue", func(t *testing.T) {
		fake.items["descedge|/v1/desc/bad"] = &memcache.Item{Key: "descedge|/v1/desc/bad", Value: []byte{0xff, 0x00}}
		_, _, err := m.Match(ctx, "/v1/desc/bad")
		assert.ErrorIs(t, err, core.ErrCorrupt)
	})

	t.Run("ForeignValue", func(t *testing.T) {
		fake.items["descedge|/v1/desc/other"] = fake.items["descedge|/v1/desc/deadbeef"]
		_, ok, err := m.Match(ctx, "/v1/desc/other")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ServerError", func(t *testing.T) {
		fake.err = memcache.ErrServerError
		defer func() { fake.err = nil }()
		_, _, err := m.Match(ctx, "/v1/desc/deadbeef")
		assert.Error(t, err)
		assert.Error(t, m.Put(ctx, "/v1/desc/deadbeef", e))
	})
}

func TestExpiration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.Equal(t, int32(0), expiration(0, now))
	assert.Equal(t, int32(60), expiration(time.Minute, now))
	assert.Equal(t, int32(now.Add(365*24*time.Hour).Unix()), expiration(365*24*time.Hour, now))
}

func TestNew(t *testing.T) {
	c, err := New(core.LocalConfig{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	c, err = New(core.LocalConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = New(core.LocalConfig{Backend: "memcache"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	c, err = New(core.LocalConfig{Backend: "memcache", MemcacheServers: []string{"127.0.0.1:11211"}})
	require.NoError(t, err)
	assert.IsType(t, &Memcache{}, c)

	_, err = New(core.LocalConfig{Backend: "redis"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
