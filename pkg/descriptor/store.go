// Package descriptor resolves immutable descriptors through a local cache, a
// durable object store and a pull-through HTTP origin, in that order, filling
// the faster tiers on the way back.
package descriptor

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/descedge/pkg/background"
	"github.com/agenthands/descedge/pkg/cidutil"
	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/metrics"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LocalCache is the ephemeral per-node tier, keyed by Key.CachePath.
type LocalCache interface {
	Match(ctx context.Context, cacheKey string) (core.Entry, bool, error)
	Put(ctx context.Context, cacheKey string, e core.Entry) error
}

// DurableStore is the keyed object store tier. A miss is (_, false, nil).
type DurableStore interface {
	Get(ctx context.Context, key core.Key) (core.Object, bool, error)
	Put(ctx context.Context, key core.Key, obj core.Object) error
}

// Origin is the pull-through upstream.
type Origin interface {
	Fetch(ctx context.Context, key core.Key) (core.Object, error)
}

// Scheduler runs fire-and-forget fills. The ctx handed to fn is not tied to
// the request that scheduled it.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Tier names the tier that served a resolution.
type Tier string

const (
	TierLocal   Tier = "local"
	TierDurable Tier = "durable"
	TierOrigin  Tier = "origin"
)

// Store is safe for concurrent use. It holds no per-key state unless
// single-flight is enabled.
type Store struct {
	local    LocalCache
	durable  DurableStore
	origin   Origin
	sched    Scheduler
	verifier cidutil.Verifier
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	flight   *singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

func WithLocalCache(c LocalCache) Option { return func(s *Store) { s.local = c } }
func WithDurable(d DurableStore) Option { return func(s *Store) { s.durable = d } }
func WithOrigin(o Origin) Option { return func(s *Store) { s.origin = o } }
func WithScheduler(sc Scheduler) Option { return func(s *Store) { s.sched = sc } }
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithVerifier checks origin bytes before they are returned or stored.
func WithVerifier(v cidutil.Verifier) Option { return func(s *Store) { s.verifier = v } }

// WithSingleFlight collapses concurrent durable and origin lookups for the
// same key into one.
func WithSingleFlight(enabled bool) Option {
	return func(s *Store) {
		if enabled {
			s.flight = new(singleflight.Group)
		} else {
			s.flight = nil
		}
	}
}

// New returns a Store. Tiers left unset are skipped. Fills run inline unless a
// Scheduler is supplied.
func New(opts ...Option) *Store {
	s := &Store{
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = background.Inline{Logger: s.logger}
	}
	return s
}

// Resolve returns the descriptor for key and the tier that served it, or an
// error wrapping core.ErrNotFound. Tier failures are logged and treated as
// misses.
func (s *Store) Resolve(ctx context.Context, key core.Key) (core.Descriptor, Tier, error) {
	if s.local != nil {
		e, ok, err := s.local.Match(ctx, key.CachePath())
		switch {
		case err != nil:
			s.logger.Warn("local tier lookup failed", zap.String("key", string(key)), zap.Error(err))
		case ok:
			d := e.Descriptor
			d.Key = key
			if d.ContentType == "" {
				d.ContentType = core.DefaultContentType
			}
			s.countResolution(string(TierLocal))
			return d, TierLocal, nil
		}
	}

	if s.flight == nil {
		return s.resolveUpstream(ctx, key)
	}

	type result struct {
		d    core.Descriptor
		tier Tier
	}
	v, err, shared := s.flight.Do(string(key), func() (any, error) {
		// Joined callers must not fail because the leader went away.
		d, tier, err := s.resolveUpstream(context.WithoutCancel(ctx), key)
		return result{d, tier}, err
	})
	if shared {
		s.logger.Debug("joined in-flight resolution", zap.String("key", string(key)))
	}
	r := v.(result)
	return r.d, r.tier, err
}

func (s *Store) resolveUpstream(ctx context.Context, key core.Key) (core.Descriptor, Tier, error) {
	if s.durable != nil {
		obj, ok, err := s.durable.Get(ctx, key)
		switch {
		case err != nil:
			if !errors.Is(err, core.ErrUpstreamUnavailable) {
				err = fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
			}
			s.logger.Warn("durable tier lookup failed", zap.String("key", string(key)), zap.Error(err))
		case ok:
			d := core.NewDescriptor(key, obj)
			s.fillLocal(d)
			s.countResolution(string(TierDurable))
			return d, TierDurable, nil
		}
	}

	if s.origin != nil {
		obj, err := s.origin.Fetch(ctx, key)
		if err == nil && s.verifier != nil {
			err = s.verifier.Verify(key, obj.Data)
		}
		if err == nil {
			d := core.NewDescriptor(key, obj)
			s.fillDurable(d)
			s.fillLocal(d)
			s.countResolution(string(TierOrigin))
			return d, TierOrigin, nil
		}
		if errors.Is(err, core.ErrNotFound) {
			s.logger.Debug("origin miss", zap.String("key", string(key)), zap.Error(err))
		} else {
			s.logger.Warn("origin fetch failed", zap.String("key", string(key)), zap.Error(err))
		}
	}

	s.countResolution("miss")
	return core.Descriptor{}, "", fmt.Errorf("%w: %s", core.ErrNotFound, key)
}

func (s *Store) fillLocal(d core.Descriptor) {
	if s.local == nil {
		return
	}
	e := core.Entry{Descriptor: d.Clone(), InsertedAt: s.clock.Now()}
	cacheKey := d.Key.CachePath()
	s.sched.Go("fill-local", func(ctx context.Context) error {
		err := s.local.Put(ctx, cacheKey, e)
		s.countFill(TierLocal, err)
		return err
	})
}

func (s *Store) fillDurable(d core.Descriptor) {
	if s.durable == nil {
		return
	}
	key, obj := d.Key, d.Clone().Object()
	s.sched.Go("fill-durable", func(ctx context.Context) error {
		err := s.durable.Put(ctx, key, obj)
		s.countFill(TierDurable, err)
		return err
	})
}

func (s *Store) countResolution(tier string) {
	if s.metrics != nil {
		s.metrics.Resolutions.WithLabelValues(tier).Inc()
	}
}

func (s *Store) countFill(tier Tier, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Fills.WithLabelValues(string(tier), outcome).Inc()
}
