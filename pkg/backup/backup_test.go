package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/crypto"
	"github.com/stormlightlabs/pds/pkg/keystore"
	"github.com/stormlightlabs/pds/pkg/repo"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	did := "did:plc:snapshotted"

	source, err := repo.NewEngine(repo.Config{
		Blocks: blockstore.NewMemory(),
		Keys:   keystore.NewMemory(crypto.P256),
		States: repo.NewMemoryStates(),
	})
	require.NoError(t, err)

	for _, rkey := range []string{"one", "two", "three"} {
		_, err := source.CreateRecord(ctx, did, "app.bsky.feed.post", json.RawMessage(`{"rkey":"`+rkey+`"}`), rkey)
		require.NoError(t, err)
	}
	_, err = source.CreateRecord(ctx, did, "app.bsky.actor.profile", json.RawMessage(`{"name":"snap"}`), "self")
	require.NoError(t, err)

	var snap bytes.Buffer
	require.NoError(t, Snapshot(ctx, source, did, &snap))

	// Restore into an empty node.
	blocks := blockstore.NewMemory()
	states := repo.NewMemoryStates()
	state, err := Restore(ctx, blocks, states, bytes.NewReader(snap.Bytes()))
	require.NoError(t, err)

	require.Equal(t, did, state.Did)
	require.ElementsMatch(t, []string{"app.bsky.feed.post", "app.bsky.actor.profile"}, state.Collections)

	sourceState, err := source.Describe(ctx, did)
	require.NoError(t, err)
	require.True(t, state.Head.Equals(sourceState.Head))
	require.True(t, state.Root.Equals(sourceState.Root))

	restored, err := repo.NewEngine(repo.Config{
		Blocks: blocks,
		Keys:   keystore.NewMemory(crypto.P256),
		States: states,
	})
	require.NoError(t, err)

	_, value, err := restored.GetRecord(ctx, did, "app.bsky.feed.post", "two")
	require.NoError(t, err)
	require.JSONEq(t, `{"rkey":"two"}`, string(value))
}

func TestRestoreRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	_, err := Restore(ctx, blockstore.NewMemory(), repo.NewMemoryStates(), bytes.NewReader([]byte("not xz")))
	require.Error(t, err)
}
