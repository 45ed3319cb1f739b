package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Curve identifies the signing curve of a key pair.
type Curve uint8

const (
	// P256 is NIST P-256 (secp256r1).
	P256 Curve = 1
	// K256 is secp256k1.
	K256 Curve = 2
)

func (c Curve) String() string {
	switch c {
	case P256:
		return "p256"
	case K256:
		return "k256"
	default:
		return fmt.Sprintf("curve(%d)", uint8(c))
	}
}

// ParseCurve maps a curve name to its tag.
func ParseCurve(s string) (Curve, error) {
	switch s {
	case "p256":
		return P256, nil
	case "k256":
		return K256, nil
	default:
		return 0, fmt.Errorf("crypto: unknown curve %q", s)
	}
}

var (
	ErrBadKeyEncoding = errors.New("crypto: malformed key encoding")

	// scalarLen is the byte length of a private scalar on both curves.
	scalarLen = 32
)

// PrivateKey is a signing key on one of the two supported curves.
type PrivateKey struct {
	curve Curve
	p256  *ecdsa.PrivateKey
	k256  *secp256k1.PrivateKey
}

// PublicKey is the verification half of a PrivateKey.
type PublicKey struct {
	curve Curve
	p256  *ecdsa.PublicKey
	k256  *secp256k1.PublicKey
}

// Generate creates a fresh key pair on the given curve.
func Generate(curve Curve) (*PrivateKey, error) {
	switch curve {
	case P256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("crypto: generate p256 key: %w", err)
		}
		return &PrivateKey{curve: P256, p256: k}, nil
	case K256:
		k, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("crypto: generate k256 key: %w", err)
		}
		return &PrivateKey{curve: K256, k256: k}, nil
	default:
		return nil, fmt.Errorf("crypto: unknown curve %d", curve)
	}
}

// Curve returns the curve the key lives on.
func (k *PrivateKey) Curve() Curve { return k.curve }

// Public returns the verification key.
func (k *PrivateKey) Public() *PublicKey {
	switch k.curve {
	case P256:
		return &PublicKey{curve: P256, p256: &k.p256.PublicKey}
	case K256:
		return &PublicKey{curve: K256, k256: k.k256.PubKey()}
	default:
		return nil
	}
}

// Bytes serializes the private key as a curve tag followed by the 32-byte
// big-endian scalar. This is the form the keystore persists.
func (k *PrivateKey) Bytes() []byte {
	out := make([]byte, 1+scalarLen)
	out[0] = byte(k.curve)
	switch k.curve {
	case P256:
		k.p256.D.FillBytes(out[1:])
	case K256:
		s := k.k256.Key.Bytes()
		copy(out[1:], s[:])
	}
	return out
}

// ParsePrivateKey reverses Bytes.
func ParsePrivateKey(data []byte) (*PrivateKey, error) {
	if len(data) != 1+scalarLen {
		return nil, fmt.Errorf("crypto: %d byte key: %w", len(data), ErrBadKeyEncoding)
	}
	switch Curve(data[0]) {
	case P256:
		curve := elliptic.P256()
		d := new(big.Int).SetBytes(data[1:])
		if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
			return nil, fmt.Errorf("crypto: p256 scalar out of range: %w", ErrBadKeyEncoding)
		}
		priv := &ecdsa.PrivateKey{D: d}
		priv.PublicKey.Curve = curve
		priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(data[1:])
		return &PrivateKey{curve: P256, p256: priv}, nil
	case K256:
		priv := secp256k1.PrivKeyFromBytes(data[1:])
		if priv.Key.IsZero() {
			return nil, fmt.Errorf("crypto: zero k256 scalar: %w", ErrBadKeyEncoding)
		}
		return &PrivateKey{curve: K256, k256: priv}, nil
	default:
		return nil, fmt.Errorf("crypto: unknown curve tag %d: %w", data[0], ErrBadKeyEncoding)
	}
}

// Curve returns the curve the key lives on.
func (p *PublicKey) Curve() Curve { return p.curve }

// Bytes returns the compressed SEC1 point prefixed with the curve tag.
func (p *PublicKey) Bytes() []byte {
	switch p.curve {
	case P256:
		pt := elliptic.MarshalCompressed(elliptic.P256(), p.p256.X, p.p256.Y)
		return append([]byte{byte(P256)}, pt...)
	case K256:
		return append([]byte{byte(K256)}, p.k256.SerializeCompressed()...)
	default:
		return nil
	}
}

// ParsePublicKey reverses PublicKey.Bytes.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	if len(data) != 1+33 {
		return nil, fmt.Errorf("crypto: %d byte public key: %w", len(data), ErrBadKeyEncoding)
	}
	switch Curve(data[0]) {
	case P256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), data[1:])
		if x == nil {
			return nil, fmt.Errorf("crypto: bad p256 point: %w", ErrBadKeyEncoding)
		}
		return &PublicKey{curve: P256, p256: &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}}, nil
	case K256:
		pub, err := secp256k1.ParsePubKey(data[1:])
		if err != nil {
			return nil, fmt.Errorf("crypto: bad k256 point: %w", err)
		}
		return &PublicKey{curve: K256, k256: pub}, nil
	default:
		return nil, fmt.Errorf("crypto: unknown curve tag %d: %w", data[0], ErrBadKeyEncoding)
	}
}
