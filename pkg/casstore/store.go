package casstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenthands/descedge/pkg/catalog"
	"github.com/agenthands/descedge/pkg/chunker"
	"github.com/agenthands/descedge/pkg/cidutil"
	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/manifest"
	"github.com/agenthands/descedge/pkg/pack"
	"github.com/agenthands/descedge/pkg/transform"
	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

type store struct {
	cfg    core.DurableConfig
	clock  clock.Clock
	logger *zap.Logger

	chunker   chunker.Chunker
	cidHub    cidutil.Builder
	manifests manifest.Codec
	packs     pack.Manager
	catalog   catalog.Catalog
	transform transform.Transform

	putMu sync.Mutex // single writer

	mu     sync.RWMutex
	closed bool
}

// Option configures a Store.
type Option func(*store)

// WithClock sets the clock used to stamp manifests.
func WithClock(c clock.Clock) Option {
	return func(s *store) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *store) { s.logger = l }
}

// Open opens (creating if needed) the repository rooted at cfg.Dir.
func Open(ctx context.Context, cfg core.DurableConfig, opts ...Option) (Store, error) {
	if cfg.Dir == "" && (cfg.Pack.Dir == "" || cfg.Catalog.Dir == "") {
		return nil, fmt.Errorf("%w: durable dir not specified", core.ErrInvalidInput)
	}
	if cfg.Pack.Dir == "" {
		cfg.Pack.Dir = filepath.Join(cfg.Dir, "packs")
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = filepath.Join(cfg.Dir, "catalog")
	}

	tr, err := transform.New(cfg.Transform)
	if err != nil {
		return nil, err
	}

	s := &store{
		cfg:       cfg,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		chunker:   chunker.NewChunker(chunker.Config{Min: cfg.Chunking.Min, Avg: cfg.Chunking.Avg, Max: cfg.Chunking.Max}),
		cidHub:    cidutil.NewBuilder(),
		manifests: manifest.NewCodec(cfg.Limits),
		transform: tr,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.catalog, err = catalog.Open(cfg.Catalog.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	s.packs, err = pack.NewManager(cfg.Pack, pack.WithLogger(s.logger))
	if err != nil {
		s.catalog.Close()
		return nil, fmt.Errorf("failed to open pack manager: %w", err)
	}
	return s, nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err1 := s.catalog.Close()
	err2 := s.packs.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *store) acquire() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return core.ErrClosed
	}
	return nil
}

func (s *store) Put(ctx context.Context, key core.Key, obj core.Object) error {
	if _, err := core.ParseKey(string(key)); err != nil {
		return err
	}
	if limit := s.cfg.Limits.MaxObjectBytes; limit > 0 && uint64(len(obj.Data)) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", core.ErrTooLarge, len(obj.Data), limit)
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	s.putMu.Lock()
	defer s.putMu.Unlock()

	// A stored key is left alone unless it can no longer be read back, in
	// which case it is rewritten without trusting the catalog's block index.
	repair := false
	if _, exists, err := s.get(ctx, key); err == nil && exists {
		s.logger.Debug("descriptor already stored", zap.String("key", string(key)))
		return nil
	} else if err != nil {
		if !errors.Is(err, core.ErrCorrupt) {
			return err
		}
		s.logger.Warn("rewriting unreadable descriptor", zap.String("key", string(key)), zap.Error(err))
		repair = true
	}

	chunks, err := s.chunker.Split(ctx, obj.Data)
	if err != nil {
		return err
	}

	batch := s.catalog.NewBatch()
	defer batch.Close()

	refs := make([]manifest.ChunkRef, 0, len(chunks))
	written := make(map[string]struct{}, len(chunks)) // not yet visible through the catalog
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		cid, err := s.cidHub.ChunkCID(chunk)
		if err != nil {
			return err
		}
		if _, dup := written[string(cid.Bytes)]; !dup {
			if err := s.putBlock(ctx, batch, cid, chunk, !repair); err != nil {
				return err
			}
			written[string(cid.Bytes)] = struct{}{}
		}
		refs = append(refs, manifest.ChunkRef{CID: cid, Len: uint32(len(chunk))})
	}

	whole := sha256.Sum256(obj.Data)
	m := &manifest.Manifest{
		Version:     manifest.CurrentVersion,
		Key:         string(key),
		ContentType: obj.ContentType,
		Length:      uint64(len(obj.Data)),
		Chunks:      refs,
		WholeSha256: whole[:],
		StoredAt:    s.clock.Now().Unix(),
	}
	mBytes, err := s.manifests.Encode(m)
	if err != nil {
		return err
	}
	mCID, err := s.cidHub.ManifestCID(mBytes)
	if err != nil {
		return err
	}
	if err := s.putBlock(ctx, batch, mCID, mBytes, false); err != nil {
		return err
	}
	if err := s.catalog.PutManifestForKey(batch, key, mCID); err != nil {
		return err
	}
	if err := batch.Commit(nil); err != nil {
		return err
	}

	if err := s.packs.SealAndRotateIfNeeded(ctx); err != nil {
		s.logger.Warn("pack rotation failed", zap.Error(err))
	}
	s.logger.Debug("descriptor stored",
		zap.String("key", string(key)),
		zap.Int("chunks", len(refs)),
		zap.Int("bytes", len(obj.Data)),
	)
	return nil
}

// putBlock writes a block unless the catalog already maps it to a pack.
func (s *store) putBlock(ctx context.Context, batch *pebble.Batch, cid core.CID, plain []byte, dedupe bool) error {
	if dedupe {
		_, exists, err := s.catalog.GetPackForCID(ctx, cid)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	stored, err := s.transform.Encode(plain)
	if err != nil {
		return err
	}
	packID, err := s.packs.PutBlock(ctx, cid, stored)
	if err != nil {
		return err
	}
	return s.catalog.PutPackForCID(batch, cid, packID)
}

func (s *store) Get(ctx context.Context, key core.Key) (core.Object, bool, error) {
	if err := s.acquire(); err != nil {
		return core.Object{}, false, err
	}
	defer s.mu.RUnlock()
	return s.get(ctx, key)
}

// get reads and verifies key. The caller holds s.mu.
func (s *store) get(ctx context.Context, key core.Key) (core.Object, bool, error) {
	m, _, ok, err := s.loadManifest(ctx, key)
	if err != nil || !ok {
		return core.Object{}, false, err
	}

	data := make([]byte, 0, m.Length)
	for i, ref := range m.Chunks {
		if err := ctx.Err(); err != nil {
			return core.Object{}, false, err
		}
		plain, err := s.readBlock(ctx, ref.CID)
		if err != nil {
			return core.Object{}, false, fmt.Errorf("%s chunk %d: %w", key, i, err)
		}
		if uint32(len(plain)) != ref.Len {
			return core.Object{}, false, fmt.Errorf("%w: %s chunk %d is %d bytes, manifest says %d", core.ErrCorrupt, key, i, len(plain), ref.Len)
		}
		data = append(data, plain...)
	}

	whole := sha256.Sum256(data)
	if !bytes.Equal(whole[:], m.WholeSha256) {
		return core.Object{}, false, fmt.Errorf("%w: %s whole-object digest mismatch", core.ErrCorrupt, key)
	}
	return core.Object{Data: data, ContentType: m.ContentType}, true, nil
}

func (s *store) Stat(ctx context.Context, key core.Key) (Stat, error) {
	if err := s.acquire(); err != nil {
		return Stat{}, err
	}
	defer s.mu.RUnlock()

	m, mCID, ok, err := s.loadManifest(ctx, key)
	if err != nil {
		return Stat{}, err
	}
	if !ok {
		return Stat{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return Stat{
		Key:         key,
		ContentType: m.ContentType,
		Length:      m.Length,
		ChunkCount:  uint32(len(m.Chunks)),
		ManifestCID: mCID,
		StoredAt:    time.Unix(m.StoredAt, 0).UTC(),
	}, nil
}

func (s *store) Keys(ctx context.Context, fn func(key core.Key) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	return s.catalog.IterateKeys(ctx, func(key core.Key, _ core.CID) error {
		return fn(key)
	})
}

// Fsck seals the active pack, then verifies every block of every pack against
// its CID and checks that every key's manifest and chunks are reachable.
func (s *store) Fsck(ctx context.Context) (FsckReport, error) {
	if err := s.acquire(); err != nil {
		return FsckReport{}, err
	}
	defer s.mu.RUnlock()

	s.putMu.Lock()
	defer s.putMu.Unlock()

	var rep FsckReport
	problem := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		rep.Problems = append(rep.Problems, msg)
		s.logger.Warn("fsck", zap.String("problem", msg))
	}

	if err := s.packs.SealActivePack(ctx); err != nil {
		return rep, err
	}

	for _, pid := range s.packs.ListSealedPacks() {
		rep.Packs++
		err := s.packs.ReadPackBlocks(ctx, pid, func(c core.CID, stored []byte) error {
			rep.Blocks++
			plain, err := s.transform.Decode(stored)
			if err == nil {
				err = s.cidHub.Verify(c, plain)
			}
			if err != nil {
				problem("pack %d block %s: %v", pid, cidutil.String(c), err)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return rep, err
			}
			problem("pack %d: %v", pid, err)
		}
	}

	err := s.catalog.IterateKeys(ctx, func(key core.Key, _ core.CID) error {
		rep.Keys++
		m, _, _, err := s.loadManifest(ctx, key)
		if err != nil {
			problem("key %s: %v", key, err)
			return nil
		}
		for i, ref := range m.Chunks {
			if _, ok, err := s.catalog.GetPackForCID(ctx, ref.CID); err != nil || !ok {
				problem("key %s chunk %d: not indexed", key, i)
			}
		}
		return nil
	})
	return rep, err
}

func (s *store) loadManifest(ctx context.Context, key core.Key) (*manifest.Manifest, core.CID, bool, error) {
	mCID, ok, err := s.catalog.GetManifestForKey(ctx, key)
	if err != nil || !ok {
		return nil, core.CID{}, false, err
	}
	mBytes, err := s.readBlock(ctx, mCID)
	if err != nil {
		return nil, core.CID{}, false, fmt.Errorf("%s manifest: %w", key, err)
	}
	m, err := s.manifests.Decode(mBytes)
	if err != nil {
		return nil, core.CID{}, false, err
	}
	if m.Key != string(key) {
		return nil, core.CID{}, false, fmt.Errorf("%w: manifest for %s names %s", core.ErrCorrupt, key, m.Key)
	}
	return m, mCID, true, nil
}

// readBlock fetches, decodes and verifies one block. A block the catalog
// indexes but no pack holds is corruption, not a miss.
func (s *store) readBlock(ctx context.Context, cid core.CID) ([]byte, error) {
	packID, ok, err := s.catalog.GetPackForCID(ctx, cid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: block %s not indexed", core.ErrCorrupt, cidutil.String(cid))
	}
	stored, err := s.packs.GetBlock(ctx, packID, cid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	plain, err := s.transform.Decode(stored)
	if err != nil {
		return nil, err
	}
	if err := s.cidHub.Verify(cid, plain); err != nil {
		return nil, err
	}
	return plain, nil
}
