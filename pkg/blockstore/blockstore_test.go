package blockstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlightlabs/pds/pkg/cidutil"
)

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	data := []byte("block content")
	c, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, cidutil.FromData(data), c)

	got, err := s.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)

	ok, err := s.Has(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryGetMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Get(ctx, cidutil.FromData([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Has(ctx, cidutil.FromData([]byte("never stored")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	data := []byte("same bytes")
	c1, err := s.Put(ctx, data)
	require.NoError(t, err)
	c2, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.True(t, c1.Equals(c2))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMemoryConcurrentPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	data := []byte("contended block")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, data)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestLogRecordsWriteOrder(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	log := NewLog(inner)

	c1, err := log.Put(ctx, []byte("first"))
	require.NoError(t, err)
	c2, err := log.Put(ctx, []byte("second"))
	require.NoError(t, err)

	// A duplicate put is recorded once.
	_, err = log.Put(ctx, []byte("first"))
	require.NoError(t, err)

	written := log.Written()
	require.Len(t, written, 2)
	require.True(t, written[0].Cid.Equals(c1))
	require.True(t, written[1].Cid.Equals(c2))

	// Writes land in the wrapped store.
	got, err := inner.Get(ctx, c2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestBadgerStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadger(BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	data := []byte("persistent block")
	c, err := s.Put(ctx, data)
	require.NoError(t, err)

	got, err := s.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = s.Put(ctx, data)
	require.NoError(t, err, "duplicate put must not error")

	ok, err := s.Has(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Get(ctx, cidutil.FromData([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Cid.Equals(c))
	require.Equal(t, data, all[0].Data)
}
