package manifest

import (
	"fmt"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// CurrentVersion is the only manifest version Decode accepts.
const CurrentVersion = 1

// ChunkRef references a chunk by its CID and its plaintext length.
type ChunkRef struct {
	CID core.CID `cbor:"cid"`
	Len uint32   `cbor:"len"`
}

// Manifest is the on-disk record of one stored descriptor.
type Manifest struct {
	Version     uint16     `cbor:"version"`
	Key         string     `cbor:"key"`
	ContentType string     `cbor:"content_type,omitempty"`
	Length      uint64     `cbor:"length"`
	Chunks      []ChunkRef `cbor:"chunks"`
	WholeSha256 []byte     `cbor:"whole_sha256"`
	StoredAt    int64      `cbor:"stored_at"` // unix seconds
}

// Codec encodes and validates manifests.
type Codec interface {
	Encode(m *Manifest) ([]byte, error)
	Decode(b []byte) (*Manifest, error)
}

type codec struct {
	limits  core.LimitsConfig
	encMode cbor.EncMode
}

// NewCodec returns a Codec using canonical CBOR so equal manifests encode to
// equal bytes.
func NewCodec(limits core.LimitsConfig) Codec {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{limits: limits, encMode: em}
}

func (c *codec) Encode(m *Manifest) ([]byte, error) {
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return c.encMode.Marshal(m)
}

func (c *codec) Decode(b []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal manifest: %v", core.ErrCorrupt, err)
	}
	if err := c.validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return &m, nil
}

func (c *codec) validate(m *Manifest) error {
	if m.Version != CurrentVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if _, err := core.ParseKey(m.Key); err != nil {
		return err
	}

	if c.limits.MaxChunksPerObject > 0 && uint32(len(m.Chunks)) > c.limits.MaxChunksPerObject {
		return fmt.Errorf("too many chunks: %d > %d", len(m.Chunks), c.limits.MaxChunksPerObject)
	}
	if c.limits.MaxObjectBytes > 0 && m.Length > c.limits.MaxObjectBytes {
		return fmt.Errorf("object too large: %d > %d", m.Length, c.limits.MaxObjectBytes)
	}

	var sum uint64
	for i, chunk := range m.Chunks {
		if len(chunk.CID.Bytes) == 0 {
			return fmt.Errorf("chunk %d has empty CID", i)
		}
		if chunk.Len == 0 {
			return fmt.Errorf("chunk %d is empty", i)
		}
		sum += uint64(chunk.Len)
	}
	if sum != m.Length {
		return fmt.Errorf("length mismatch: manifest says %d, chunks sum to %d", m.Length, sum)
	}

	if len(m.WholeSha256) != 32 {
		return fmt.Errorf("whole_sha256 must be 32 bytes, got %d", len(m.WholeSha256))
	}

	if c.limits.MaxContentTypeLen > 0 && len(m.ContentType) > c.limits.MaxContentTypeLen {
		return fmt.Errorf("content type too long: %d > %d", len(m.ContentType), c.limits.MaxContentTypeLen)
	}
	return nil
}
