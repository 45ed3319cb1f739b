// Package cidutil pins down the one CID shape this server uses: CIDv1 with
// the dag-cbor codec and a sha2-256 multihash, 36 bytes on the wire.
package cidutil

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ByteLen is the raw length of every CID handled here: 4 prefix bytes
// (version, codec, hash function, digest length) plus the 32-byte digest.
const ByteLen = 36

var ErrWrongShape = errors.New("cidutil: not a dag-cbor sha2-256 CIDv1")

// FromDigest wraps an existing SHA-256 digest in the fixed dag-cbor prefix.
func FromDigest(digest [sha256.Size]byte) cid.Cid {
	mh, err := multihash.Encode(digest[:], multihash.SHA2_256)
	if err != nil {
		// multihash.Encode with SHA2_256 and a 32-byte digest cannot fail.
		panic(fmt.Sprintf("cidutil: encode multihash: %v", err))
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

// FromData hashes data with SHA-256 and returns its CID.
func FromData(data []byte) cid.Cid {
	return FromDigest(sha256.Sum256(data))
}

// Parse decodes the canonical string form: "b" followed by unpadded
// base32-lower. Anything that does not decode to the 36-byte dag-cbor
// sha2-256 shape is rejected.
func Parse(s string) (cid.Cid, error) {
	if len(s) == 0 || s[0] != 'b' {
		return cid.Undef, fmt.Errorf("cidutil: %q: %w", s, ErrWrongShape)
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: decode %q: %w", s, err)
	}
	if err := Validate(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// FromBytes parses the raw 36-byte form, as found in CAR sections and
// tag-42 CBOR links.
func FromBytes(b []byte) (cid.Cid, error) {
	if len(b) != ByteLen {
		return cid.Undef, fmt.Errorf("cidutil: %d bytes: %w", len(b), ErrWrongShape)
	}
	c, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: cast: %w", err)
	}
	if err := Validate(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// Validate checks that c has the fixed prefix this server requires.
func Validate(c cid.Cid) error {
	if !c.Defined() || c.Version() != 1 || c.Type() != cid.DagCBOR {
		return ErrWrongShape
	}
	dec, err := multihash.Decode(c.Hash())
	if err != nil || dec.Code != multihash.SHA2_256 || dec.Length != sha256.Size {
		return ErrWrongShape
	}
	return nil
}

// Digest returns the 32-byte SHA-256 digest carried by c.
func Digest(c cid.Cid) ([sha256.Size]byte, error) {
	var out [sha256.Size]byte
	if err := Validate(c); err != nil {
		return out, err
	}
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return out, fmt.Errorf("cidutil: decode multihash: %w", err)
	}
	copy(out[:], dec.Digest)
	return out, nil
}
