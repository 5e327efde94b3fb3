package exitring

import (
	"fmt"
	"hash/fnv"

	"github.com/spaolacci/murmur3"
)

// HashFunc maps a string onto the 32-bit ring. It must be deterministic
// across processes.
type HashFunc func(s string) uint32

// FNV1a32 is 32-bit FNV-1a over the UTF-8 bytes of s. ASCII keys hash the
// same as an implementation folding in UTF-16 code units; other keys do not,
// so rings shared with such an implementation must use ASCII exits and keys.
func FNV1a32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Murmur3 is the 32-bit murmur3 hash of s with seed 0.
func Murmur3(s string) uint32 {
	return murmur3.Sum32([]byte(s))
}

// HashByName resolves a configured hash name. Empty selects FNV1a32.
func HashByName(name string) (HashFunc, error) {
	switch name {
	case "", "fnv1a", "fnv1a32":
		return FNV1a32, nil
	case "murmur3":
		return Murmur3, nil
	default:
		return nil, fmt.Errorf("unsupported ring hash: %s", name)
	}
}
