package testkit

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RNG returns a seeded source. Seed 0 picks a time-based seed.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns n incompressible bytes.
func RandomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

// DescriptorJSON returns a JSON document of roughly n bytes shaped like a
// package index: long runs of near-identical records, so it compresses well
// and chunks the same way across small edits.
func DescriptorJSON(r *rand.Rand, n int) []byte {
	var sb strings.Builder
	sb.Grow(n + 128)
	sb.WriteString(`{"schema":1,"entries":[`)
	for i := 0; sb.Len() < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"name":"pkg-%d","version":"%d.%d.%d","digest":"sha256-%08x","deps":["core","runtime"]}`,
			i, r.Intn(4), r.Intn(20), r.Intn(100), r.Uint32())
	}
	sb.WriteString(`]}`)
	return []byte(sb.String())
}

// MutateBytes returns a copy of base with a few single-byte edits, which
// keeps most content-defined chunk boundaries intact.
func MutateBytes(r *rand.Rand, base []byte, edits int) []byte {
	out := append([]byte(nil), base...)
	for i := 0; i < edits && len(out) > 0; i++ {
		out[r.Intn(len(out))] ^= byte(1 + r.Intn(255))
	}
	return out
}
