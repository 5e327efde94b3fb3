package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/cockroachdb/pebble"
)

var (
	PrefixC2P = []byte("c2p:") // chunk/manifest CID -> pack ID
	PrefixK2M = []byte("k2m:") // descriptor key -> manifest CID
)

// Catalog is the embedded index of a CAS repository.
type Catalog interface {
	GetPackForCID(ctx context.Context, cid core.CID) (uint64, bool, error)
	PutPackForCID(batch *pebble.Batch, cid core.CID, packID uint64) error

	GetManifestForKey(ctx context.Context, key core.Key) (core.CID, bool, error)
	PutManifestForKey(batch *pebble.Batch, key core.Key, manifest core.CID) error
	IterateKeys(ctx context.Context, fn func(key core.Key, manifest core.CID) error) error

	NewBatch() *pebble.Batch
	Close() error
}

type pebbleCatalog struct {
	db *pebble.DB
}

// Open opens a Pebble-based catalog in dir.
func Open(dir string) (Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleCatalog{db: db}, nil
}

func (c *pebbleCatalog) Close() error {
	return c.db.Close()
}

func (c *pebbleCatalog) NewBatch() *pebble.Batch {
	return c.db.NewBatch()
}

func (c *pebbleCatalog) GetPackForCID(ctx context.Context, cid core.CID) (uint64, bool, error) {
	val, ok, err := c.get(prefixed(PrefixC2P, cid.Bytes))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("%w: invalid pack ID length %d", core.ErrCorrupt, len(val))
	}
	return binary.BigEndian.Uint64(val), true, nil
}

func (c *pebbleCatalog) PutPackForCID(batch *pebble.Batch, cid core.CID, packID uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, packID)
	return c.set(batch, prefixed(PrefixC2P, cid.Bytes), val)
}

func (c *pebbleCatalog) GetManifestForKey(ctx context.Context, key core.Key) (core.CID, bool, error) {
	val, ok, err := c.get(prefixed(PrefixK2M, []byte(key)))
	if err != nil || !ok {
		return core.CID{}, false, err
	}
	return core.CID{Bytes: val}, true, nil
}

func (c *pebbleCatalog) PutManifestForKey(batch *pebble.Batch, key core.Key, manifest core.CID) error {
	return c.set(batch, prefixed(PrefixK2M, []byte(key)), manifest.Bytes)
}

// IterateKeys visits every stored descriptor key in byte order.
func (c *pebbleCatalog) IterateKeys(ctx context.Context, fn func(key core.Key, manifest core.CID) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: PrefixK2M,
		UpperBound: incrementByte(PrefixK2M),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := core.Key(iter.Key()[len(PrefixK2M):])
		val := append([]byte(nil), iter.Value()...)
		if err := fn(key, core.CID{Bytes: val}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// get returns a copy of the value, which pebble only lends until closer runs.
func (c *pebbleCatalog) get(key []byte) ([]byte, bool, error) {
	val, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (c *pebbleCatalog) set(batch *pebble.Batch, key, val []byte) error {
	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return c.db.Set(key, val, pebble.Sync)
}

func prefixed(prefix, b []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(b))
	return append(append(out, prefix...), b...)
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
