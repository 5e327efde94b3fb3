package localcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/fxamacker/cbor/v2"
)

const (
	keyPrefix = "descedge|"
	// memcached rejects keys longer than this.
	maxKeyLen = 250
)

type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// memcacheEntry is the CBOR value stored per descriptor. CacheKey guards
// against collisions when long keys are hashed.
type memcacheEntry struct {
	CacheKey    string `cbor:"ck"`
	Key         string `cbor:"k"`
	Data        []byte `cbor:"d"`
	ContentType string `cbor:"ct"`
	InsertedAt  int64  `cbor:"at"` // unix nanoseconds
}

// Memcache is a local tier shared by the processes of one node (or one
// colo) through memcached.
type Memcache struct {
	client memcacheClient
	ttl    time.Duration
	enc    cbor.EncMode
}

// NewMemcache connects to a fixed server list.
func NewMemcache(servers []string, timeout, ttl time.Duration) (*Memcache, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: no memcache servers", core.ErrInvalidInput)
	}
	var list memcache.ServerList
	if err := list.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("%w: memcache servers: %v", core.ErrInvalidInput, err)
	}
	client := memcache.NewFromSelector(&list)
	if timeout > 0 {
		client.Timeout = timeout
	}
	return newMemcache(client, ttl), nil
}

func newMemcache(client memcacheClient, ttl time.Duration) *Memcache {
	enc, _ := cbor.CanonicalEncOptions().EncMode()
	return &Memcache{client: client, ttl: ttl, enc: enc}
}

func itemKey(cacheKey string) string {
	k := keyPrefix + cacheKey
	if len(k) <= maxKeyLen {
		return k
	}
	sum := sha256.Sum256([]byte(cacheKey))
	return keyPrefix + "sha256:" + hex.EncodeToString(sum[:])
}

func (m *Memcache) Match(_ context.Context, cacheKey string) (core.Entry, bool, error) {
	item, err := m.client.Get(itemKey(cacheKey))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return core.Entry{}, false, nil
	}
	if err != nil {
		return core.Entry{}, false, fmt.Errorf("memcache get: %w", err)
	}

	var me memcacheEntry
	if err := cbor.Unmarshal(item.Value, &me); err != nil {
		return core.Entry{}, false, fmt.Errorf("%w: memcache entry: %v", core.ErrCorrupt, err)
	}
	if me.CacheKey != cacheKey {
		return core.Entry{}, false, nil
	}
	return core.Entry{
		Descriptor: core.Descriptor{
			Key:         core.Key(me.Key),
			Data:        me.Data,
			ContentType: me.ContentType,
		},
		InsertedAt: time.Unix(0, me.InsertedAt),
	}, true, nil
}

func (m *Memcache) Put(_ context.Context, cacheKey string, e core.Entry) error {
	value, err := m.enc.Marshal(memcacheEntry{
		CacheKey:    cacheKey,
		Key:         string(e.Descriptor.Key),
		Data:        e.Descriptor.Data,
		ContentType: e.Descriptor.ContentType,
		InsertedAt:  e.InsertedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	if err := m.client.Set(&memcache.Item{
		Key:        itemKey(cacheKey),
		Value:      value,
		Expiration: expiration(m.ttl, time.Now()),
	}); err != nil {
		return fmt.Errorf("memcache set: %w", err)
	}
	return nil
}

func (m *Memcache) Close() error { return nil }

// expiration converts ttl to memcached's format: relative seconds up to 30
// days, an absolute unix time beyond that, 0 for never.
func expiration(ttl time.Duration, now time.Time) int32 {
	const relativeLimit = 30 * 24 * time.Hour
	switch {
	case ttl <= 0:
		return 0
	case ttl <= relativeLimit:
		return int32(ttl.Seconds())
	default:
		return int32(now.Add(ttl).Unix())
	}
}
