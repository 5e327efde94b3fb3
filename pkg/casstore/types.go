package casstore

import (
	"context"
	"time"

	"github.com/agenthands/descedge/pkg/core"
)

// Stat summarises a stored descriptor without reading its chunks.
type Stat struct {
	Key         core.Key
	ContentType string
	Length      uint64
	ChunkCount  uint32
	ManifestCID core.CID
	StoredAt    time.Time
}

// FsckReport is the outcome of a repository consistency walk.
type FsckReport struct {
	Packs    int
	Blocks   int
	Keys     int
	Problems []string
}

// OK reports whether the walk found nothing wrong.
func (r FsckReport) OK() bool { return len(r.Problems) == 0 }

// Store is a local content-addressed durable tier. Objects are chunked,
// deduplicated across keys and packed into CAR files indexed by pebble.
type Store interface {
	Get(ctx context.Context, key core.Key) (core.Object, bool, error)
	// Put stores obj under key. The first write for a key wins; later writes
	// are accepted and ignored.
	Put(ctx context.Context, key core.Key, obj core.Object) error

	Stat(ctx context.Context, key core.Key) (Stat, error)
	Keys(ctx context.Context, fn func(key core.Key) error) error
	Fsck(ctx context.Context) (FsckReport, error)
	Close() error
}
