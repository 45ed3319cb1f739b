// Package backup writes and restores repository snapshots: a full CAR
// export compressed with xz. A snapshot plus the signing key is everything
// needed to stand a repository back up elsewhere.
package backup

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/ulikunitz/xz"

	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/car"
	"github.com/stormlightlabs/pds/pkg/mst"
	"github.com/stormlightlabs/pds/pkg/repo"
)

// Snapshot exports did's full repository as an xz-compressed CAR.
func Snapshot(ctx context.Context, engine *repo.Engine, did string, w io.Writer) error {
	archive, err := engine.ExportRepo(ctx, did)
	if err != nil {
		return err
	}
	zw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("backup: start compressor: %w", err)
	}
	if _, err := zw.Write(archive); err != nil {
		return fmt.Errorf("backup: write snapshot: %w", err)
	}
	return zw.Close()
}

// Restore loads a snapshot into blocks and rebuilds the repository's state
// row from the head commit it finds at the archive root.
func Restore(ctx context.Context, blocks blockstore.Store, states repo.StateStore, r io.Reader) (*repo.State, error) {
	zr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("backup: open snapshot: %w", err)
	}
	roots, archived, err := car.Read(zr)
	if err != nil {
		return nil, err
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("backup: snapshot has %d roots, want 1", len(roots))
	}

	for _, b := range archived {
		if _, err := blocks.Put(ctx, b.Data); err != nil {
			return nil, err
		}
	}

	head := roots[0]
	headData, err := blocks.Get(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("backup: head commit missing from snapshot: %w", err)
	}
	commit, err := repo.DecodeCommit(headData)
	if err != nil {
		return nil, err
	}

	state := &repo.State{
		Did:  commit.Did,
		Rev:  commit.Rev,
		Root: commit.Data,
		Head: head,
	}

	// Rebuild the collection list from the restored tree.
	seen := map[string]bool{}
	tree := mst.New(blocks)
	err = tree.Walk(ctx, state.Root, func(key string, _ cid.Cid) error {
		if idx := strings.IndexByte(key, '/'); idx > 0 {
			if collection := key[:idx]; !seen[collection] {
				seen[collection] = true
				state.Collections = append(state.Collections, collection)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := states.Put(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}
