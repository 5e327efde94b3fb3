package manifest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var limits = core.LimitsConfig{
	MaxObjectBytes:     1 << 20,
	MaxChunksPerObject: 1000,
	MaxContentTypeLen:  64,
}

func validManifest() *Manifest {
	return &Manifest{
		Version:     CurrentVersion,
		Key:         "deadbeef",
		ContentType: "application/cbor",
		Length:      1234,
		Chunks: []ChunkRef{
			{CID: core.CID{Bytes: []byte("cid1")}, Len: 1000},
			{CID: core.CID{Bytes: []byte("cid2")}, Len: 234},
		},
		WholeSha256: bytes.Repeat([]byte{0xab}, 32),
		StoredAt:    1700000000,
	}
}

func TestManifestCodec(t *testing.T) {
	codec := NewCodec(limits)

	t.Run("RoundTrip", func(t *testing.T) {
		m := validManifest()
		encoded, err := codec.Encode(m)
		require.NoError(t, err)

		decoded, err := codec.Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, m, decoded)
	})

	t.Run("CanonicalEncoding", func(t *testing.T) {
		a, err := codec.Encode(validManifest())
		require.NoError(t, err)
		b, err := codec.Encode(validManifest())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("EmptyDescriptor", func(t *testing.T) {
		m := validManifest()
		m.Length = 0
		m.Chunks = nil
		_, err := codec.Encode(m)
		require.NoError(t, err)
	})

	invalid := map[string]func(m *Manifest){
		"Version":         func(m *Manifest) { m.Version = 2 },
		"Key":             func(m *Manifest) { m.Key = "bad/key" },
		"LengthMismatch":  func(m *Manifest) { m.Length = 1 },
		"EmptyCID":        func(m *Manifest) { m.Chunks[0].CID = core.CID{} },
		"EmptyChunk":      func(m *Manifest) { m.Chunks[1].Len = 0; m.Length = 1000 },
		"Sha256":          func(m *Manifest) { m.WholeSha256 = []byte{1} },
		"ContentTypeLong": func(m *Manifest) { m.ContentType = string(bytes.Repeat([]byte("x"), 65)) },
		"TooManyChunks": func(m *Manifest) {
			m.Chunks = make([]ChunkRef, 1001)
			for i := range m.Chunks {
				m.Chunks[i] = ChunkRef{CID: core.CID{Bytes: []byte{1}}, Len: 1}
			}
			m.Length = 1001
		},
		"TooLarge": func(m *Manifest) {
			m.Chunks = []ChunkRef{{CID: core.CID{Bytes: []byte{1}}, Len: 2 << 20}}
			m.Length = 2 << 20
		},
	}
	for name, mutate := range invalid {
		t.Run("Encode/"+name, func(t *testing.T) {
			m := validManifest()
			mutate(m)
			_, err := codec.Encode(m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidInput))
		})
	}

	t.Run("DecodeRejectsInvalid", func(t *testing.T) {
		m := validManifest()
		m.Length = 5
		raw, err := cbor.Marshal(m)
		require.NoError(t, err)

		_, err = codec.Decode(raw)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrCorrupt))
	})

	t.Run("DecodeGarbage", func(t *testing.T) {
		_, err := codec.Decode([]byte("not cbor"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrCorrupt))
	})
}
