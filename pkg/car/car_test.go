package car

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/require"

	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/cidutil"
	"github.com/stormlightlabs/pds/pkg/dagcbor"
)

func TestFraming(t *testing.T) {
	root := cidutil.FromData([]byte("root block"))
	b1 := blockstore.Block{Cid: cidutil.FromData([]byte("abc")), Data: []byte("abc")}
	b2 := blockstore.Block{Cid: cidutil.FromData([]byte("defg")), Data: []byte("defg")}

	out, err := Encode([]cid.Cid{root}, []blockstore.Block{b1, b2})
	require.NoError(t, err)

	// Leading varint equals the header length and the header is the
	// expected DAG-CBOR map.
	headerLen, n, err := varint.FromUvarint(out)
	require.NoError(t, err)
	header := out[n : n+int(headerLen)]
	wantHeader, err := dagcbor.Marshal(map[string]any{
		"roots":   []any{root},
		"version": int64(1),
	})
	require.NoError(t, err)
	require.Equal(t, wantHeader, header)

	// First section: varint(36+3), CID bytes, then "abc".
	rest := out[n+int(headerLen):]
	sectionLen, n1, err := varint.FromUvarint(rest)
	require.NoError(t, err)
	require.Equal(t, uint64(36+3), sectionLen)
	require.Equal(t, b1.Cid.Bytes(), rest[n1:n1+36])
	require.Equal(t, []byte("abc"), rest[n1+36:n1+39])

	// Second section: varint(36+4), CID bytes, then "defg".
	rest = rest[n1+int(sectionLen):]
	sectionLen, n2, err := varint.FromUvarint(rest)
	require.NoError(t, err)
	require.Equal(t, uint64(36+4), sectionLen)
	require.Equal(t, b2.Cid.Bytes(), rest[n2:n2+36])
	require.Equal(t, []byte("defg"), rest[n2+36:])
}

func TestRoundTrip(t *testing.T) {
	root := cidutil.FromData([]byte("commit"))
	var blocks []blockstore.Block
	for _, data := range [][]byte{[]byte("commit"), []byte("node"), []byte("record")} {
		blocks = append(blocks, blockstore.Block{Cid: cidutil.FromData(data), Data: data})
	}

	out, err := Encode([]cid.Cid{root}, blocks)
	require.NoError(t, err)

	roots, got, err := Read(bytes.NewReader(out))
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.True(t, roots[0].Equals(root))
	require.Len(t, got, len(blocks))
	for i := range blocks {
		require.True(t, got[i].Cid.Equals(blocks[i].Cid))
		require.Equal(t, blocks[i].Data, got[i].Data)
	}
}

func TestReadRejectsEmptyInput(t *testing.T) {
	_, _, err := Read(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReadRejectsTruncatedSection(t *testing.T) {
	root := cidutil.FromData([]byte("r"))
	data := []byte("payload")
	out, err := Encode([]cid.Cid{root}, []blockstore.Block{{Cid: cidutil.FromData(data), Data: data}})
	require.NoError(t, err)

	_, _, err = Read(bytes.NewReader(out[:len(out)-3]))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReadRejectsMismatchedBlockHash(t *testing.T) {
	root := cidutil.FromData([]byte("r"))
	// The section claims a CID that is not the hash of its bytes.
	bad := blockstore.Block{Cid: cidutil.FromData([]byte("other")), Data: []byte("payload")}
	out, err := Encode([]cid.Cid{root}, []blockstore.Block{bad})
	require.NoError(t, err)

	_, _, err = Read(bytes.NewReader(out))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestZeroLengthVarintHeaderRejected(t *testing.T) {
	_, _, err := Read(bytes.NewReader([]byte{0x00}))
	require.ErrorIs(t, err, ErrMalformed)
}
