package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureLen is the length of every signature: R and S, each big-endian
// and zero-padded to 32 bytes.
const SignatureLen = 64

var ErrBadSignature = errors.New("crypto: malformed signature")

// p256HalfOrder is n/2 for P-256, the low-S boundary.
var p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)

// Sign produces a canonical R‖S signature over a 32-byte digest. S is
// normalized to the low half of the curve order so that every (key, digest)
// pair has exactly one accepted signature.
func (k *PrivateKey) Sign(digest Digest) ([]byte, error) {
	switch k.curve {
	case P256:
		return signP256(k.p256, digest)
	case K256:
		return signK256(k.k256, digest)
	default:
		return nil, fmt.Errorf("crypto: cannot sign with curve %d", k.curve)
	}
}

func signP256(key *ecdsa.PrivateKey, digest Digest) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: p256 sign: %w", err)
	}
	if s.Cmp(p256HalfOrder) > 0 {
		s = new(big.Int).Sub(elliptic.P256().Params().N, s)
	}
	if r.BitLen() > 256 || s.BitLen() > 256 {
		return nil, errors.New("crypto: signature scalar exceeds 32 bytes")
	}
	sig := make([]byte, SignatureLen)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

func signK256(key *secp256k1.PrivateKey, digest Digest) ([]byte, error) {
	sig := dcrecdsa.Sign(key, digest[:])
	r := sig.R()
	s := sig.S()
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	rb := r.Bytes()
	sb := s.Bytes()
	out := make([]byte, SignatureLen)
	copy(out[:32], rb[:])
	copy(out[32:], sb[:])
	return out, nil
}

// Verify checks a canonical R‖S signature over a 32-byte digest. Signatures
// with S in the high half of the curve order are rejected, as are any that
// are not exactly 64 bytes.
func (p *PublicKey) Verify(digest Digest, sig []byte) bool {
	if len(sig) != SignatureLen {
		return false
	}
	switch p.curve {
	case P256:
		return verifyP256(p.p256, digest, sig)
	case K256:
		return verifyK256(p.k256, digest, sig)
	default:
		return false
	}
}

func verifyP256(key *ecdsa.PublicKey, digest Digest, sig []byte) bool {
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if r.Sign() == 0 || s.Sign() == 0 {
		return false
	}
	if s.Cmp(p256HalfOrder) > 0 {
		return false
	}
	return ecdsa.Verify(key, digest[:], r, s)
}

func verifyK256(key *secp256k1.PublicKey, digest Digest, sig []byte) bool {
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}
	if r.IsZero() || s.IsZero() || s.IsOverHalfOrder() {
		return false
	}
	return dcrecdsa.NewSignature(&r, &s).Verify(digest[:], key)
}
