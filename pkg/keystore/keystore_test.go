package keystore

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/stormlightlabs/pds/pkg/crypto"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFirstUseGeneratesAndPersists(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ks := NewBadger(db, crypto.P256)

	key1, err := ks.SigningKey(ctx, "did:plc:alice")
	require.NoError(t, err)

	key2, err := ks.SigningKey(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, key1.Bytes(), key2.Bytes(), "same DID must keep its key")

	other, err := ks.SigningKey(ctx, "did:plc:bob")
	require.NoError(t, err)
	require.NotEqual(t, key1.Bytes(), other.Bytes())
}

func TestKeySurvivesReload(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first, err := NewBadger(db, crypto.K256).SigningKey(ctx, "did:plc:carol")
	require.NoError(t, err)

	// A second store over the same database sees the persisted key.
	again, err := NewBadger(db, crypto.K256).SigningKey(ctx, "did:plc:carol")
	require.NoError(t, err)
	require.Equal(t, first.Bytes(), again.Bytes())

	// The reloaded key signs with the same identity.
	digest := crypto.Sum([]byte("commit"))
	sig, err := again.Sign(digest)
	require.NoError(t, err)
	require.True(t, first.Public().Verify(digest, sig))
}

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	ks := NewMemory(crypto.P256)

	a, err := ks.SigningKey(ctx, "did:plc:x")
	require.NoError(t, err)
	b, err := ks.SigningKey(ctx, "did:plc:x")
	require.NoError(t, err)
	require.Same(t, a, b)
}
