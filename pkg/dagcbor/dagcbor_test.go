package dagcbor

import (
	"encoding/hex"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stormlightlabs/pds/pkg/cidutil"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestMapKeyOrderVectors(t *testing.T) {
	// Keys of equal length sort by byte order.
	got, err := Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "a2616102616201"), got)

	// Shorter keys sort first regardless of byte order.
	got, err = Marshal(map[string]any{"aa": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "a261620262616101"), got)
}

func TestIntegerWidths(t *testing.T) {
	cases := []struct {
		v    int64
		want string
	}{
		{0, "00"},
		{23, "17"},
		{24, "1818"},
		{255, "18ff"},
		{256, "190100"},
		{65535, "19ffff"},
		{65536, "1a00010000"},
		{4294967296, "1b0000000100000000"},
		{-1, "20"},
		{-24, "37"},
		{-25, "3818"},
		{-256, "38ff"},
		{-257, "390100"},
	}
	for _, tc := range cases {
		got, err := Marshal(tc.v)
		require.NoError(t, err)
		require.Equal(t, mustHex(t, tc.want), got, "encoding %d", tc.v)

		back, err := Unmarshal(got)
		require.NoError(t, err)
		require.Equal(t, tc.v, back)
	}
}

func TestLinkEncoding(t *testing.T) {
	c := cidutil.FromData([]byte("linked block"))

	got, err := Marshal(c)
	require.NoError(t, err)

	// Tag 42, byte string of 37 bytes, leading zero, then the raw CID.
	require.Equal(t, byte(0xd8), got[0])
	require.Equal(t, byte(0x2a), got[1])
	require.Equal(t, byte(0x58), got[2])
	require.Equal(t, byte(37), got[3])
	require.Equal(t, byte(0x00), got[4])
	require.Equal(t, c.Bytes(), got[5:])

	back, err := Unmarshal(got)
	require.NoError(t, err)
	decoded, ok := back.(cid.Cid)
	require.True(t, ok)
	require.True(t, c.Equals(decoded))
}

func TestNestedRoundTrip(t *testing.T) {
	c := cidutil.FromData([]byte("root"))
	v := map[string]any{
		"did":     "did:plc:abc123",
		"version": int64(3),
		"data":    c,
		"ops": []any{
			map[string]any{"path": "app.bsky.feed.post/3kabc", "action": "create"},
		},
		"nullable": nil,
		"flag":     true,
		"ratio":    0.5,
		"raw":      []byte{0xde, 0xad},
	}

	enc, err := Marshal(v)
	require.NoError(t, err)

	back, err := Unmarshal(enc)
	require.NoError(t, err)

	m, ok := back.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "did:plc:abc123", m["did"])
	require.Equal(t, int64(3), m["version"])
	require.Equal(t, true, m["flag"])
	require.Equal(t, 0.5, m["ratio"])
	require.Equal(t, []byte{0xde, 0xad}, m["raw"])
	require.Nil(t, m["nullable"])

	// Re-encoding the decoded value reproduces the original bytes.
	enc2, err := Marshal(normalize(back))
	require.NoError(t, err)
	require.Equal(t, enc, enc2)
}

// normalize rebuilds decoded values into the input types Marshal accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func TestDecodeRejectsIndefinite(t *testing.T) {
	// 0x9f is an indefinite-length array header.
	_, err := Unmarshal([]byte{0x9f, 0x01, 0xff})
	require.Error(t, err)

	// 0x5f indefinite byte string.
	_, err = Unmarshal([]byte{0x5f, 0x41, 0x01, 0xff})
	require.Error(t, err)
}

func TestDecodeRejectsNonMinimalInts(t *testing.T) {
	// 7 encoded as 0x18 0x07 instead of 0x07.
	_, err := Unmarshal([]byte{0x18, 0x07})
	require.ErrorIs(t, err, ErrNonCanonical)
}

func TestDecodeRejectsMisorderedMapKeys(t *testing.T) {
	// {"b":1,"a":2} with "b" first violates length-then-bytes order... the
	// canonical order puts "a" first, so hand-build the reversed map.
	bad := mustHex(t, "a2616201616102")
	_, err := Unmarshal(bad)
	require.ErrorIs(t, err, ErrNonCanonical)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	_, err := Unmarshal([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrTrailing)
}

func TestDecodeRejectsSmallFloats(t *testing.T) {
	// Half-precision 1.0 (0xf9 0x3c 0x00); DAG-CBOR requires 64-bit floats.
	_, err := Unmarshal([]byte{0xf9, 0x3c, 0x00})
	require.Error(t, err)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	// Tag 0 (datetime) around a text string.
	_, err := Unmarshal([]byte{0xc0, 0x61, 0x41})
	require.Error(t, err)
}
