// Package crypto provides the hashing and signing primitives the repository
// engine builds on: SHA-256 digests, ECDSA over P-256 and K-256 with
// canonical low-S signatures, and HMAC-SHA-256 for API tokens.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Digest is a SHA-256 output.
type Digest [sha256.Size]byte

// Sum computes the SHA-256 digest of data.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Bytes returns a copy of the digest as a slice.
func (d Digest) Bytes() []byte {
	b := make([]byte, len(d))
	copy(b, d[:])
	return b
}

// String returns the hexadecimal form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// HMACSHA256 computes an HMAC-SHA-256 tag over msg with key.
func HMACSHA256(key, msg []byte) Digest {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	var out Digest
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyHMAC checks tag against the HMAC of msg under key in constant time.
func VerifyHMAC(key, msg []byte, tag Digest) bool {
	want := HMACSHA256(key, msg)
	return hmac.Equal(want[:], tag[:])
}
