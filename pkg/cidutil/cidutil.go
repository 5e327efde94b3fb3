package cidutil

import (
	"bytes"
	"fmt"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Builder creates and verifies the CIDs the CAS backend addresses blocks by.
type Builder interface {
	ChunkCID(plain []byte) (core.CID, error)
	ManifestCID(dagCbor []byte) (core.CID, error)
	Verify(c core.CID, plain []byte) error
}

type builder struct{}

// NewBuilder returns a sha2-256 CIDv1 builder.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) ChunkCID(plain []byte) (core.CID, error) {
	return buildCID(cid.Raw, plain)
}

func (b *builder) ManifestCID(dagCbor []byte) (core.CID, error) {
	return buildCID(cid.DagCBOR, dagCbor)
}

func buildCID(codec uint64, data []byte) (core.CID, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return core.CID{}, fmt.Errorf("failed to compute multihash: %w", err)
	}
	return core.CID{Bytes: cid.NewCidV1(codec, hash).Bytes()}, nil
}

func (b *builder) Verify(c core.CID, plain []byte) error {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Errorf("%w: invalid CID bytes: %v", core.ErrCorrupt, err)
	}
	if err := verifyCID(id, plain); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return nil
}

func verifyCID(id cid.Cid, plain []byte) error {
	prefix := id.Prefix()
	hash, err := multihash.Sum(plain, prefix.MhType, prefix.MhLength)
	if err != nil {
		return fmt.Errorf("failed to compute multihash for verification: %w", err)
	}
	if !bytes.Equal(id.Hash(), hash) {
		return fmt.Errorf("CID mismatch")
	}
	return nil
}

// String renders CID bytes in the default multibase, or hex when the bytes do
// not parse.
func String(c core.CID) string {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Sprintf("%x", c.Bytes)
	}
	return id.String()
}

// KeyFor derives a descriptor key for data: the base32 CIDv1 of its raw
// sha2-256 multihash.
func KeyFor(data []byte) (core.Key, error) {
	c, err := buildCID(cid.Raw, data)
	if err != nil {
		return "", err
	}
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return "", err
	}
	return core.Key(id.String()), nil
}
