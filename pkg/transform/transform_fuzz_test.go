package transform

import (
	"bytes"
	"testing"
)

func FuzzZstdEnvelope(f *testing.F) {
	tr := NewZstd(3)

	f.Add([]byte{})
	f.Add([]byte(`{"schema":1,"entries":[]}`))
	f.Add(bytes.Repeat([]byte("descriptor "), 512))
	f.Add([]byte(Magic))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Arbitrary input must never panic.
		_, _ = tr.Decode(data)

		stored, err := tr.Encode(data)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		plain, err := tr.Decode(stored)
		if err != nil {
			t.Fatalf("decode own envelope: %v", err)
		}
		if !bytes.Equal(plain, data) {
			t.Fatalf("roundtrip mismatch: got %d bytes, want %d", len(plain), len(data))
		}
	})
}
