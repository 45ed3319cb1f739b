package crypto

import (
	"crypto/elliptic"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumMatchesStdlib(t *testing.T) {
	data := []byte("hash me")
	require.Equal(t, Digest(sha256.Sum256(data)), Sum(data))
}

func TestHMACRoundTrip(t *testing.T) {
	key := []byte("server secret")
	msg := []byte("token body")

	tag := HMACSHA256(key, msg)
	require.True(t, VerifyHMAC(key, msg, tag))
	require.False(t, VerifyHMAC([]byte("other secret"), msg, tag))
	require.False(t, VerifyHMAC(key, []byte("other body"), tag))
}

func TestSignVerifyBothCurves(t *testing.T) {
	for _, curve := range []Curve{P256, K256} {
		t.Run(curve.String(), func(t *testing.T) {
			key, err := Generate(curve)
			require.NoError(t, err)

			digest := Sum([]byte("commit bytes"))
			sig, err := key.Sign(digest)
			require.NoError(t, err)
			require.Len(t, sig, SignatureLen)

			pub := key.Public()
			require.True(t, pub.Verify(digest, sig))

			// Tampered digest must not verify.
			require.False(t, pub.Verify(Sum([]byte("other bytes")), sig))

			// Tampered signature must not verify.
			bad := append([]byte(nil), sig...)
			bad[7] ^= 0x01
			require.False(t, pub.Verify(digest, bad))

			// Wrong length is rejected outright.
			require.False(t, pub.Verify(digest, sig[:63]))
		})
	}
}

func TestP256SignatureIsLowS(t *testing.T) {
	key, err := Generate(P256)
	require.NoError(t, err)

	halfOrder := new(big.Int).Rsh(elliptic.P256().Params().N, 1)
	for i := 0; i < 16; i++ {
		digest := Sum([]byte{byte(i)})
		sig, err := key.Sign(digest)
		require.NoError(t, err)

		s := new(big.Int).SetBytes(sig[32:])
		require.LessOrEqual(t, s.Cmp(halfOrder), 0, "S must be in the low half")
	}
}

func TestHighSRejected(t *testing.T) {
	key, err := Generate(P256)
	require.NoError(t, err)

	digest := Sum([]byte("malleability"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)

	// Flip S to the other half of the order: verify must reject even though
	// the raw ECDSA equation still holds for (r, n-s).
	n := elliptic.P256().Params().N
	s := new(big.Int).SetBytes(sig[32:])
	s.Sub(n, s)
	high := append([]byte(nil), sig[:32]...)
	pad := make([]byte, 32)
	s.FillBytes(pad)
	high = append(high, pad...)

	require.False(t, key.Public().Verify(digest, high))
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	for _, curve := range []Curve{P256, K256} {
		t.Run(curve.String(), func(t *testing.T) {
			key, err := Generate(curve)
			require.NoError(t, err)

			restored, err := ParsePrivateKey(key.Bytes())
			require.NoError(t, err)
			require.Equal(t, curve, restored.Curve())

			// The restored key must produce signatures the original public
			// key accepts.
			digest := Sum([]byte("persisted key"))
			sig, err := restored.Sign(digest)
			require.NoError(t, err)
			require.True(t, key.Public().Verify(digest, sig))
		})
	}
}

func TestParsePrivateKeyRejectsBadInput(t *testing.T) {
	_, err := ParsePrivateKey(nil)
	require.Error(t, err)

	_, err = ParsePrivateKey(make([]byte, 33))
	require.Error(t, err, "unknown curve tag")

	bad := make([]byte, 33)
	bad[0] = byte(P256)
	_, err = ParsePrivateKey(bad)
	require.Error(t, err, "zero scalar")
}

func TestPublicKeyRoundTrip(t *testing.T) {
	for _, curve := range []Curve{P256, K256} {
		key, err := Generate(curve)
		require.NoError(t, err)

		pub, err := ParsePublicKey(key.Public().Bytes())
		require.NoError(t, err)

		digest := Sum([]byte("pub round trip"))
		sig, err := key.Sign(digest)
		require.NoError(t, err)
		require.True(t, pub.Verify(digest, sig))
	}
}
