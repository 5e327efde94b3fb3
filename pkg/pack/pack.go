// Package pack stores transformed chunk and manifest blocks in CARv2 pack
// files. One pack is active (read-write) at a time; sealed packs are opened
// read-only and never modified.
package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/agenthands/descedge/pkg/core"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
	"go.uber.org/zap"
)

// Manager owns the pack directory of a CAS repository.
type Manager interface {
	PutBlock(ctx context.Context, c core.CID, stored []byte) (uint64, error)
	GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error)
	SealAndRotateIfNeeded(ctx context.Context) error
	SealActivePack(ctx context.Context) error
	CurrentPackID() uint64
	ListSealedPacks() []uint64
	ReadPackBlocks(ctx context.Context, packID uint64, fn func(c core.CID, stored []byte) error) error
	Close() error
}

type packManager struct {
	cfg    core.PackConfig
	logger *zap.Logger

	mu sync.RWMutex

	currentID uint64
	active    *blockstore.ReadWrite
	dirty     bool
	closed    bool

	sealed map[uint64]*blockstore.ReadOnly
}

// QuarantineSuffix is appended to packs that could neither be opened nor
// recovered. They are kept on disk for inspection and otherwise ignored.
const QuarantineSuffix = ".quarantine"

// Option configures a Manager.
type Option func(*packManager)

func WithLogger(l *zap.Logger) Option {
	return func(m *packManager) { m.logger = l }
}

// NewManager opens (creating if needed) the pack directory. Every pack found
// on disk is treated as sealed and a fresh active pack is started after the
// highest one. A pack left unfinalized by an unclean stop is finalized in
// place; one that cannot be read at all is quarantined.
func NewManager(cfg core.PackConfig, opts ...Option) (Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: pack directory not specified", core.ErrInvalidInput)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	m := &packManager{
		cfg:    cfg,
		logger: zap.NewNop(),
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.discoverPacks(); err != nil {
		m.closeSealed()
		return nil, err
	}
	return m, nil
}

func (m *packManager) discoverPacks() error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}

	var ids []uint64
	for _, entry := range entries {
		if id, ok := parsePackName(entry.Name()); ok && !entry.IsDir() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		m.currentID = id
		bs, err := m.openSealed(id)
		if err != nil {
			if qerr := os.Rename(m.packPath(id), m.packPath(id)+QuarantineSuffix); qerr != nil {
				return fmt.Errorf("%w: pack %d unreadable (%v) and not quarantined: %v", core.ErrCorrupt, id, err, qerr)
			}
			m.logger.Warn("quarantined unreadable pack", zap.Uint64("pack", id), zap.Error(err))
			continue
		}
		m.sealed[id] = bs
	}

	m.currentID++
	return m.openActive(m.currentID)
}

// parsePackName accepts names produced by packPath.
func parsePackName(name string) (uint64, bool) {
	hex, ok := strings.CutPrefix(name, "pack-")
	if !ok {
		return 0, false
	}
	if hex, ok = strings.CutSuffix(hex, ".car"); !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(hex, 16, 64)
	return id, err == nil
}

// openSealed opens a pack found on disk. An active pack that was never
// finalized is resumed, which rebuilds its index from the written sections,
// and finalized before being reopened read-only.
func (m *packManager) openSealed(id uint64) (*blockstore.ReadOnly, error) {
	path := m.packPath(id)
	bs, err := blockstore.OpenReadOnly(path)
	if err == nil {
		return bs, nil
	}

	rw, rerr := blockstore.OpenReadWrite(path, []cid.Cid{})
	if rerr != nil {
		return nil, fmt.Errorf("open: %v; resume: %v", err, rerr)
	}
	if err := rw.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize resumed pack: %w", err)
	}
	m.logger.Info("recovered unfinalized pack", zap.Uint64("pack", id))
	return blockstore.OpenReadOnly(path)
}

func (m *packManager) openActive(id uint64) error {
	bs, err := blockstore.OpenReadWrite(m.packPath(id), []cid.Cid{})
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", id, err)
	}
	m.active = bs
	m.dirty = false
	return nil
}

func (m *packManager) packPath(id uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("pack-%016x.car", id))
}

func (m *packManager) CurrentPackID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

func (m *packManager) PutBlock(ctx context.Context, c core.CID, stored []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, core.ErrClosed
	}

	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	has, err := m.active.Has(ctx, id)
	if err != nil {
		return 0, err
	}
	if has {
		return m.currentID, nil
	}

	blk, err := blocks.NewBlockWithCid(stored, id)
	if err != nil {
		return 0, err
	}
	if err := m.active.Put(ctx, blk); err != nil {
		return 0, err
	}
	m.dirty = true
	return m.currentID, nil
}

func (m *packManager) GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrClosed
	}

	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	var blk blocks.Block
	if packID == m.currentID {
		blk, err = m.active.Get(ctx, id)
	} else {
		bs, ok := m.sealed[packID]
		if !ok {
			return nil, fmt.Errorf("%w: pack %d", core.ErrNotFound, packID)
		}
		blk, err = bs.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: block %s in pack %d: %v", core.ErrNotFound, id, packID, err)
	}
	return blk.RawData(), nil
}

func (m *packManager) SealAndRotateIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}

	fi, err := os.Stat(m.packPath(m.currentID))
	if err != nil {
		return err
	}
	if uint64(fi.Size()) < m.cfg.TargetPackBytes {
		return nil
	}
	return m.sealLocked()
}

// SealActivePack seals the active pack regardless of its size. An active pack
// holding no blocks is left alone.
func (m *packManager) SealActivePack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	if !m.dirty {
		return nil
	}
	return m.sealLocked()
}

func (m *packManager) sealLocked() error {
	if err := m.active.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize active pack: %w", err)
	}
	bs, err := blockstore.OpenReadOnly(m.packPath(m.currentID))
	if err != nil {
		return fmt.Errorf("failed to open sealed pack: %w", err)
	}
	m.sealed[m.currentID] = bs

	m.currentID++
	return m.openActive(m.currentID)
}

func (m *packManager) ListSealedPacks() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.sealed))
	for id := range m.sealed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ReadPackBlocks walks a sealed pack in file order. It reads the CAR sections
// directly rather than the index, which reports every CID with the raw codec
// and would lose the DagCBOR codec of manifest blocks.
func (m *packManager) ReadPackBlocks(ctx context.Context, packID uint64, fn func(c core.CID, stored []byte) error) error {
	m.mu.RLock()
	_, ok := m.sealed[packID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return core.ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: pack %d is not sealed", core.ErrNotFound, packID)
	}

	f, err := os.Open(m.packPath(packID))
	if err != nil {
		return fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return fmt.Errorf("%w: pack %d: %v", core.ErrCorrupt, packID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading pack %d: %v", core.ErrCorrupt, packID, err)
		}
		if err := fn(core.CID{Bytes: blk.Cid().Bytes()}, blk.RawData()); err != nil {
			return err
		}
	}
}

// Close finalizes the active pack, or discards it when nothing was written
// so reopening does not accumulate empty packs.
func (m *packManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if m.active != nil {
		if m.dirty {
			errs = append(errs, m.active.Finalize())
		} else {
			m.active.Discard()
			if err := os.Remove(m.packPath(m.currentID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(append(errs, m.closeSealed())...)
}

func (m *packManager) closeSealed() error {
	var errs []error
	for id, bs := range m.sealed {
		if err := bs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pack %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
