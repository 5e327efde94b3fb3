package testkit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agenthands/descedge/pkg/core"
)

// MemLocal is an in-memory local tier with call counters and fault injection.
type MemLocal struct {
	mu      sync.Mutex
	entries map[string]core.Entry

	MatchErr error
	PutErr   error

	Matches atomic.Int64
	Puts    atomic.Int64
}

func NewMemLocal() *MemLocal {
	return &MemLocal{entries: make(map[string]core.Entry)}
}

func (m *MemLocal) Match(_ context.Context, cacheKey string) (core.Entry, bool, error) {
	m.Matches.Add(1)
	if m.MatchErr != nil {
		return core.Entry{}, false, m.MatchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[cacheKey]
	return e, ok, nil
}

func (m *MemLocal) Put(_ context.Context, cacheKey string, e core.Entry) error {
	m.Puts.Add(1)
	if m.PutErr != nil {
		return m.PutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[cacheKey] = e
	return nil
}

func (m *MemLocal) Has(cacheKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[cacheKey]
	return ok
}

// MemDurable is an in-memory durable tier with call counters, fault
// injection and an optional gate that holds Put until opened.
type MemDurable struct {
	mu      sync.Mutex
	objects map[core.Key]core.Object

	GetErr  error
	PutErr  error
	PutGate *Gate

	Gets atomic.Int64
	Puts atomic.Int64
}

func NewMemDurable() *MemDurable {
	return &MemDurable{objects: make(map[core.Key]core.Object)}
}

func (m *MemDurable) Get(_ context.Context, key core.Key) (core.Object, bool, error) {
	m.Gets.Add(1)
	if m.GetErr != nil {
		return core.Object{}, false, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok, nil
}

func (m *MemDurable) Put(_ context.Context, key core.Key, obj core.Object) error {
	m.Puts.Add(1)
	if m.PutGate != nil {
		m.PutGate.Wait()
	}
	if m.PutErr != nil {
		return m.PutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = core.Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}
	return nil
}

func (m *MemDurable) Seed(key core.Key, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = core.Object{Data: data, ContentType: contentType}
}

func (m *MemDurable) Lookup(key core.Key) (core.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// OriginServer is an httptest origin serving descriptors under /v1/desc/.
type OriginServer struct {
	*httptest.Server

	mu       sync.Mutex
	objects  map[string]core.Object
	disabled bool

	Hits atomic.Int64
}

func NewOriginServer() *OriginServer {
	o := &OriginServer{objects: make(map[string]core.Object)}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	return o
}

func (o *OriginServer) serve(w http.ResponseWriter, r *http.Request) {
	o.Hits.Add(1)
	o.mu.Lock()
	disabled := o.disabled
	obj, ok := o.objects[strings.TrimPrefix(r.URL.Path, core.DescriptorPathPrefix)]
	o.mu.Unlock()

	switch {
	case disabled:
		http.Error(w, "origin disabled", http.StatusServiceUnavailable)
	case !strings.HasPrefix(r.URL.Path, core.DescriptorPathPrefix) || !ok:
		http.NotFound(w, r)
	default:
		if obj.ContentType != "" {
			w.Header().Set("Content-Type", obj.ContentType)
		} else {
			w.Header()["Content-Type"] = nil // no sniffing
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(obj.Data)))
		w.WriteHeader(http.StatusOK)
		w.Write(obj.Data)
	}
}

func (o *OriginServer) Set(key string, data []byte, contentType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = core.Object{Data: data, ContentType: contentType}
}

// SetDisabled makes every request fail with 503.
func (o *OriginServer) SetDisabled(disabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disabled = disabled
}
