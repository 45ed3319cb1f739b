package cidutil

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromDigestPrefix(t *testing.T) {
	digest := sha256.Sum256([]byte("hello world"))
	c := FromDigest(digest)

	raw := c.Bytes()
	require.Len(t, raw, ByteLen)
	require.Equal(t, []byte{0x01, 0x71, 0x12, 0x20}, raw[:4])
	require.True(t, bytes.Equal(raw[4:], digest[:]))
}

func TestFromDataMatchesManualHash(t *testing.T) {
	data := []byte("some block bytes")
	c1 := FromData(data)
	c2 := FromDigest(sha256.Sum256(data))
	require.True(t, c1.Equals(c2))
}

func TestStringFormRoundTrip(t *testing.T) {
	c := FromData([]byte("round trip"))
	s := c.String()

	require.Equal(t, byte('b'), s[0])
	// Unpadded base32-lower of 36 bytes is 58 characters, plus the
	// multibase prefix.
	require.Len(t, s, 59)

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.True(t, parsed.Equals(c))
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"notacid",
		"b",
		"bafyrei",                 // truncated
		"Bsomething",              // wrong multibase prefix
		"zQmYwAPJzv5CZsnA625s3Xf", // base58 CIDv0 style
	} {
		_, err := Parse(s)
		require.Error(t, err, "input %q", s)
	}
}

func TestDigestRoundTrip(t *testing.T) {
	digest := sha256.Sum256([]byte("digest extraction"))
	c := FromDigest(digest)

	got, err := Digest(c)
	require.NoError(t, err)
	require.Equal(t, digest, got)
}
