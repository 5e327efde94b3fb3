package transform

import (
	"fmt"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic   = "DESC"
	Version = 1

	envelopeLen = 7
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgNone = 0
	AlgZstd = 1
)

// Transform encodes block payloads on their way into a pack and back.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New builds the transform named by cfg. Empty selects "none".
func New(cfg core.TransformConfig) (Transform, error) {
	switch cfg.Name {
	case "none", "":
		return NewNone(), nil
	case "zstd":
		return newZstd(cfg.ZstdLevel)
	default:
		return nil, fmt.Errorf("unsupported transform: %s", cfg.Name)
	}
}

type noneTransform struct{}

func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string                         { return "none" }
func (t *noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (t *noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd returns a zstd transform at the given level and panics if the codec
// cannot be built. Level 0 selects the library default.
func NewZstd(level int) Transform {
	t, err := newZstd(level)
	if err != nil {
		panic(err)
	}
	return t
}

func newZstd(level int) (Transform, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &zstdTransform{encoder: enc, decoder: dec}, nil
}

func (t *zstdTransform) Name() string { return "zstd" }

// Encode wraps the payload in a 7 byte envelope. Descriptors are often too
// small to shrink; those are stored uncompressed inside the envelope.
func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	compressed := t.encoder.EncodeAll(plain, nil)

	flags, alg, payload := byte(FlagCompressed), byte(AlgZstd), compressed
	if len(compressed) >= len(plain) {
		flags, alg, payload = 0, AlgNone, plain
	}

	envelope := make([]byte, 0, envelopeLen+len(payload))
	envelope = append(envelope, Magic...)
	envelope = append(envelope, Version, flags, alg)
	envelope = append(envelope, payload...)
	return envelope, nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < envelopeLen {
		return nil, fmt.Errorf("%w: block too small for envelope", core.ErrCorrupt)
	}
	if string(stored[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}
	if stored[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, stored[4])
	}

	flags := stored[5]
	alg := stored[6]
	payload := stored[envelopeLen:]

	if flags&FlagCompressed == 0 {
		if alg != AlgNone {
			return nil, fmt.Errorf("%w: algorithm %d on uncompressed block", core.ErrCorrupt, alg)
		}
		return append([]byte(nil), payload...), nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
	}
	plain, err := t.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", core.ErrCorrupt, err)
	}
	return plain, nil
}
