package blob

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/workerpool"
)

func TestSmallBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blockstore.NewMemory(), nil)

	data := []byte("a small attachment")
	c, size, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	got, err := s.GetBytes(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestMultiChunkBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := workerpool.New(4, 64)
	defer pool.Close()
	s := NewStore(blockstore.NewMemory(), pool)

	// Three full chunks plus a tail.
	data := make([]byte, 3*chunkSize+1000)
	rng := rand.New(rand.NewSource(7))
	rng.Read(data)

	c, size, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	got, err := s.GetBytes(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestIdenticalBlobsShareCid(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blockstore.NewMemory(), nil)

	data := bytes.Repeat([]byte("dedup"), 1000)
	c1, _, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	c2, _, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.True(t, c1.Equals(c2))
}

func TestGetNonManifestBlock(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	s := NewStore(store, nil)

	// Store a non-manifest block and ask for it as a blob.
	c, err := store.Put(ctx, []byte{0x01})
	require.NoError(t, err)
	_, err = s.GetBytes(ctx, c)
	require.ErrorIs(t, err, ErrBadManifest)
}
