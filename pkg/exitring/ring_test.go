package exitring_test

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/exitring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trio = []string{"MIA", "LAX", "DFW"}

func TestFNV1a32Vectors(t *testing.T) {
	assert.Equal(t, uint32(0x811c9dc5), exitring.FNV1a32(""))
	assert.Equal(t, uint32(0xe40c292c), exitring.FNV1a32("a"))
	assert.Equal(t, uint32(0xbf9cf968), exitring.FNV1a32("foobar"))
}

func TestFNV1a32HashesUTF8Bytes(t *testing.T) {
	// Outside ASCII the input is the UTF-8 encoding, not UTF-16 code units.
	assert.Equal(t, uint32(0xa82b5049), exitring.FNV1a32("café"))
	assert.NotEqual(t, uint32(0x3308be7c), exitring.FNV1a32("café"))
	assert.Equal(t, uint32(0xd7639f54), exitring.FNV1a32("édge-東京"))
}

func TestHashByName(t *testing.T) {
	for _, name := range []string{"", "fnv1a", "fnv1a32", "murmur3"} {
		h, err := exitring.HashByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, h("abc"), h("abc"))
	}
	_, err := exitring.HashByName("md5")
	require.Error(t, err)
}

func TestBuildRejectsEmptyExitSet(t *testing.T) {
	for _, exits := range [][]string{nil, {}, {"", "  ", "\t"}} {
		_, err := exitring.Build(exits)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrEmptyExitSet))
	}
}

func TestBuildTrimsAndDeduplicates(t *testing.T) {
	r, err := exitring.Build([]string{" MIA", "LAX ", "MIA", "", "DFW", "LAX"})
	require.NoError(t, err)
	assert.Equal(t, trio, r.Exits())
	assert.Len(t, r.Points(), 3*exitring.DefaultVirtualNodes)
	assert.True(t, r.Contains("DFW"))
	assert.False(t, r.Contains(" DFW"))
}

func TestBuildVirtualNodes(t *testing.T) {
	r, err := exitring.Build(trio, exitring.WithVirtualNodes(7))
	require.NoError(t, err)
	assert.Len(t, r.Points(), 21)

	r, err = exitring.Build(trio, exitring.WithVirtualNodes(0))
	require.NoError(t, err)
	assert.Len(t, r.Points(), 3*exitring.DefaultVirtualNodes)
}

func TestPointsSorted(t *testing.T) {
	r, err := exitring.Build(exitring.DefaultExits)
	require.NoError(t, err)
	pts := r.Points()
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		require.True(t, a.Hash < b.Hash || (a.Hash == b.Hash && (a.Exit < b.Exit || (a.Exit == b.Exit && a.Index < b.Index))),
			"points %d and %d out of order", i-1, i)
	}
}

func TestTieBreakIsExplicit(t *testing.T) {
	// A constant hash puts every point on the same spot; order must then
	// follow exit ID and virtual index, not input order.
	constant := func(string) uint32 { return 42 }
	a, err := exitring.Build([]string{"b", "a", "c"}, exitring.WithHash(constant), exitring.WithVirtualNodes(2))
	require.NoError(t, err)
	b, err := exitring.Build([]string{"c", "b", "a"}, exitring.WithHash(constant), exitring.WithVirtualNodes(2))
	require.NoError(t, err)

	assert.Equal(t, a.Points(), b.Points())
	assert.Equal(t, "a", a.Points()[0].Exit)
	assert.Equal(t, "a", a.Pick("anything", ""))
}

func TestPickDeterministic(t *testing.T) {
	r, err := exitring.Build(trio)
	require.NoError(t, err)

	first := r.Pick("abc123", "")
	assert.Contains(t, trio, first)
	for i := 0; i < 1000; i++ {
		require.Equal(t, first, r.Pick("abc123", ""))
	}

	// Same bytes in, same exit out, across implementations.
	assert.Equal(t, "LAX", first)
}

func TestPickStableAcrossRebuilds(t *testing.T) {
	a, err := exitring.Build(trio)
	require.NoError(t, err)
	b, err := exitring.Build([]string{"DFW", "MIA", "LAX"})
	require.NoError(t, err)

	assert.Equal(t, a.Points(), b.Points())
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("work-%d", i)
		require.Equal(t, a.Pick(key, ""), b.Pick(key, ""), key)
	}
}

func TestPickLocalityOverride(t *testing.T) {
	r, err := exitring.Build(trio)
	require.NoError(t, err)

	overridden := 0
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("k%d", i)
		if r.Pick(key, "") != "MIA" {
			overridden++
		}
		require.Equal(t, "MIA", r.Pick(key, "MIA"))
	}
	assert.Greater(t, overridden, 0, "expected some keys the ring would send elsewhere")

	t.Run("UnknownHintIgnored", func(t *testing.T) {
		assert.Equal(t, r.Pick("abc123", ""), r.Pick("abc123", "CDG"))
	})
}

func TestLookupWrapsAround(t *testing.T) {
	r, err := exitring.Build(trio)
	require.NoError(t, err)
	pts := r.Points()

	assert.Equal(t, pts[0].Exit, r.Lookup(math.MaxUint32))
	assert.Equal(t, "DFW", r.Lookup(math.MaxUint32))
	assert.Equal(t, pts[0].Exit, r.Lookup(0))
	assert.Equal(t, pts[1].Exit, r.Lookup(pts[0].Hash+1))
	assert.Equal(t, pts[len(pts)-1].Exit, r.Lookup(pts[len(pts)-1].Hash))
}

func TestSingleExitOwnsEverything(t *testing.T) {
	r, err := exitring.Build([]string{"SOLO"}, exitring.WithVirtualNodes(1))
	require.NoError(t, err)
	for _, h := range []uint32{0, 1, 1 << 31, math.MaxUint32} {
		assert.Equal(t, "SOLO", r.Lookup(h))
	}
}

func TestDistributionIsRoughlyEven(t *testing.T) {
	r, err := exitring.Build(trio)
	require.NoError(t, err)

	const n = 30000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[r.Pick(fmt.Sprintf("key-%d", i), "")]++
	}
	require.Len(t, counts, 3)
	for exit, c := range counts {
		assert.Greater(t, c, n/5, "exit %s underloaded", exit)
	}
}

func TestMurmur3Ring(t *testing.T) {
	a, err := exitring.Build(trio, exitring.WithHash(exitring.Murmur3))
	require.NoError(t, err)
	b, err := exitring.Build(trio, exitring.WithHash(exitring.Murmur3))
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("m%d", i)
		got := a.Pick(key, "")
		assert.Contains(t, trio, got)
		assert.Equal(t, got, b.Pick(key, ""))
	}
	assert.Equal(t, exitring.Murmur3("x"), a.HashKey("x"))
}

func TestConcurrentPick(t *testing.T) {
	r, err := exitring.Build(exitring.DefaultExits)
	require.NoError(t, err)
	want := r.Pick("shared", "")

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if r.Pick("shared", "") != want {
					t.Error("pick changed under concurrency")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestParseExits(t *testing.T) {
	assert.Equal(t, []string{"MIA", "LAX", "DFW"}, exitring.ParseExits("MIA, LAX,,DFW ,"))
	assert.Empty(t, exitring.ParseExits(" , "))
}
