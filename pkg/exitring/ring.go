// Package exitring assigns lookup keys to one of a fixed set of named exits
// with a consistent-hash ring.
//
// Every exit contributes a number of virtual points hashed from
// "<exit>#<i>". A key is owned by the first point clockwise from its own
// hash, wrapping to the start of the ring. A caller co-located with a
// configured exit can pass it as a locality hint, which bypasses the ring.
//
// A Ring is immutable once built and may be shared by any number of
// goroutines.
package exitring

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agenthands/descedge/pkg/core"
)

// DefaultVirtualNodes is the number of ring points per exit.
const DefaultVirtualNodes = 128

// DefaultExits is used when no exits are configured.
var DefaultExits = []string{"MIA", "LAX", "DFW", "ORD", "JFK", "FRA", "LHR", "NRT", "SYD", "SJC", "AMS", "SIN"}

// Point is a single virtual node.
type Point struct {
	Hash  uint32
	Exit  string
	Index int
}

type Ring struct {
	points []Point
	exits  []string
	member map[string]struct{}
	hash   HashFunc
}

type options struct {
	vnodes int
	hash   HashFunc
}

type Option func(*options)

// WithVirtualNodes sets the points per exit. n <= 0 keeps the default.
func WithVirtualNodes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.vnodes = n
		}
	}
}

func WithHash(h HashFunc) Option {
	return func(o *options) {
		if h != nil {
			o.hash = h
		}
	}
}

// Build constructs a ring from exits. Identifiers are trimmed, empty ones are
// dropped and duplicates collapse onto their first occurrence. It fails with
// core.ErrEmptyExitSet when nothing usable remains.
func Build(exits []string, opts ...Option) (*Ring, error) {
	o := options{vnodes: DefaultVirtualNodes, hash: FNV1a32}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Ring{
		member: make(map[string]struct{}, len(exits)),
		hash:   o.hash,
	}
	for _, raw := range exits {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := r.member[id]; dup {
			continue
		}
		r.member[id] = struct{}{}
		r.exits = append(r.exits, id)
	}
	if len(r.exits) == 0 {
		return nil, fmt.Errorf("%w: %d identifiers given, none usable", core.ErrEmptyExitSet, len(exits))
	}

	r.points = make([]Point, 0, len(r.exits)*o.vnodes)
	for _, id := range r.exits {
		for i := 0; i < o.vnodes; i++ {
			r.points = append(r.points, Point{
				Hash:  o.hash(id + "#" + strconv.Itoa(i)),
				Exit:  id,
				Index: i,
			})
		}
	}

	// Equal hashes are ordered by exit then virtual index so the ring does
	// not depend on the order exits were listed in.
	sort.SliceStable(r.points, func(i, j int) bool {
		a, b := r.points[i], r.points[j]
		if a.Hash != b.Hash {
			return a.Hash < b.Hash
		}
		if a.Exit != b.Exit {
			return a.Exit < b.Exit
		}
		return a.Index < b.Index
	})

	return r, nil
}

// Pick returns the exit for key. A localityHint naming a configured exit is
// returned as is; otherwise the ring decides.
func (r *Ring) Pick(key, localityHint string) string {
	if localityHint != "" && r.Contains(localityHint) {
		return localityHint
	}
	return r.Lookup(r.hash(key))
}

// Lookup returns the exit owning the first point with a hash >= h, wrapping
// to the first point when h is past the end of the ring.
func (r *Ring) Lookup(h uint32) string {
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].Hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].Exit
}

// HashKey exposes the ring hash for diagnostics.
func (r *Ring) HashKey(key string) uint32 { return r.hash(key) }

func (r *Ring) Contains(id string) bool {
	_, ok := r.member[id]
	return ok
}

// Exits returns the configured exits in the order they were first seen.
func (r *Ring) Exits() []string {
	return append([]string(nil), r.exits...)
}

// Points returns a copy of the sorted ring.
func (r *Ring) Points() []Point {
	return append([]Point(nil), r.points...)
}

// ParseExits splits a comma separated list such as "MIA, LAX,,DFW".
func ParseExits(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
