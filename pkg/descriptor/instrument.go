package descriptor

import (
	"context"
	"errors"
	"time"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/metrics"
)

type instrumentedLocalCache struct {
	next LocalCache
	m    *metrics.Metrics
}

// InstrumentLocalCache times every call to c.
func InstrumentLocalCache(c LocalCache, m *metrics.Metrics) LocalCache {
	return &instrumentedLocalCache{next: c, m: m}
}

func (i *instrumentedLocalCache) Match(ctx context.Context, cacheKey string) (_ core.Entry, _ bool, err error) {
	defer func(begin time.Time) { i.m.ObserveTier(string(TierLocal), "Match", begin, err) }(time.Now())
	return i.next.Match(ctx, cacheKey)
}

func (i *instrumentedLocalCache) Put(ctx context.Context, cacheKey string, e core.Entry) (err error) {
	defer func(begin time.Time) { i.m.ObserveTier(string(TierLocal), "Put", begin, err) }(time.Now())
	return i.next.Put(ctx, cacheKey, e)
}

type instrumentedDurableStore struct {
	next DurableStore
	m    *metrics.Metrics
}

// InstrumentDurableStore times every call to d.
func InstrumentDurableStore(d DurableStore, m *metrics.Metrics) DurableStore {
	return &instrumentedDurableStore{next: d, m: m}
}

func (i *instrumentedDurableStore) Get(ctx context.Context, key core.Key) (_ core.Object, _ bool, err error) {
	defer func(begin time.Time) { i.m.ObserveTier(string(TierDurable), "Get", begin, err) }(time.Now())
	return i.next.Get(ctx, key)
}

func (i *instrumentedDurableStore) Put(ctx context.Context, key core.Key, obj core.Object) (err error) {
	defer func(begin time.Time) { i.m.ObserveTier(string(TierDurable), "Put", begin, err) }(time.Now())
	return i.next.Put(ctx, key, obj)
}

type instrumentedOrigin struct {
	next Origin
	m    *metrics.Metrics
}

// InstrumentOrigin times every fetch and counts it by result.
func InstrumentOrigin(o Origin, m *metrics.Metrics) Origin {
	return &instrumentedOrigin{next: o, m: m}
}

func (i *instrumentedOrigin) Fetch(ctx context.Context, key core.Key) (_ core.Object, err error) {
	defer func(begin time.Time) {
		i.m.ObserveTier(string(TierOrigin), "Fetch", begin, err)
		i.m.OriginFetches.WithLabelValues(fetchResult(err)).Inc()
	}(time.Now())
	return i.next.Fetch(ctx, key)
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrTooLarge):
		return "too_large"
	default:
		return "unavailable"
	}
}
