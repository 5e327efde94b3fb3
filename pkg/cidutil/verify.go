package cidutil

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Verifier checks that bytes fetched for a key are the content the key names.
type Verifier interface {
	Verify(key core.Key, data []byte) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(key core.Key, data []byte) error

func (f VerifierFunc) Verify(key core.Key, data []byte) error { return f(key, data) }

type digestVerifier struct{}

// NewDigestVerifier recognises two key shapes: a CID string, checked against
// its own multihash, and 64 hex characters, checked as sha2-256. Any other key
// is accepted unverified.
func NewDigestVerifier() Verifier {
	return digestVerifier{}
}

func (digestVerifier) Verify(key core.Key, data []byte) error {
	s := string(key)
	if isHexSHA256(s) {
		mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
		if err != nil {
			return err
		}
		dec, err := multihash.Decode(mh)
		if err != nil {
			return err
		}
		if hex.EncodeToString(dec.Digest) != strings.ToLower(s) {
			return fmt.Errorf("%w: sha2-256 of %d bytes does not match %s", core.ErrDigestMismatch, len(data), s)
		}
		return nil
	}

	if id, err := cid.Decode(s); err == nil {
		if err := verifyCID(id, data); err != nil {
			return fmt.Errorf("%w: %s: %v", core.ErrDigestMismatch, s, err)
		}
	}
	return nil
}

// Recognized reports whether NewDigestVerifier would check key at all.
func Recognized(key core.Key) bool {
	s := string(key)
	if isHexSHA256(s) {
		return true
	}
	_, err := cid.Decode(s)
	return err == nil
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
