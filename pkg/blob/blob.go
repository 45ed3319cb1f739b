// Package blob stores large binary attachments outside the MST. Content is
// chunked, each chunk lands in the block store, and a small DAG-CBOR
// manifest naming the chunk CIDs becomes the blob's identity.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/dagcbor"
	"github.com/stormlightlabs/pds/pkg/workerpool"
)

// chunkSize is the fixed splitter size, 256 KiB.
const chunkSize = 256 * 1024

var ErrBadManifest = errors.New("blob: malformed manifest")

// Store chunks and reassembles blobs over a block store.
type Store struct {
	blocks blockstore.Store
	pool   *workerpool.Pool
}

// NewStore creates a blob store. The pool parallelizes chunk writes; nil
// runs them inline.
func NewStore(blocks blockstore.Store, pool *workerpool.Pool) *Store {
	return &Store{blocks: blocks, pool: pool}
}

// Put reads r to exhaustion and stores it, returning the manifest CID and
// total byte size.
func (s *Store) Put(ctx context.Context, r io.Reader) (cid.Cid, int64, error) {
	splitter := chunker.NewSizeSplitter(r, chunkSize)

	var chunks [][]byte
	var size int64
	for {
		data, err := splitter.NextBytes()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return cid.Undef, 0, fmt.Errorf("blob: chunking: %w", err)
		}
		size += int64(len(data))
		chunks = append(chunks, data)
	}

	chunkCids := make([]cid.Cid, len(chunks))
	errs := make([]error, len(chunks))
	if s.pool != nil {
		room := s.pool.NewRoom()
		for i := range chunks {
			i := i
			room.Go(func() {
				chunkCids[i], errs[i] = s.blocks.Put(ctx, chunks[i])
			})
		}
		room.Wait()
	} else {
		for i := range chunks {
			chunkCids[i], errs[i] = s.blocks.Put(ctx, chunks[i])
		}
	}
	for _, err := range errs {
		if err != nil {
			return cid.Undef, 0, err
		}
	}

	refs := make([]any, len(chunkCids))
	for i, c := range chunkCids {
		refs[i] = c
	}
	manifest, err := dagcbor.Marshal(map[string]any{
		"chunks": refs,
		"size":   size,
	})
	if err != nil {
		return cid.Undef, 0, err
	}
	manifestCid, err := s.blocks.Put(ctx, manifest)
	if err != nil {
		return cid.Undef, 0, err
	}
	return manifestCid, size, nil
}

// Get streams a stored blob back out.
func (s *Store) Get(ctx context.Context, c cid.Cid, w io.Writer) (int64, error) {
	chunks, size, err := s.manifest(ctx, c)
	if err != nil {
		return 0, err
	}
	var written int64
	for _, chunkCid := range chunks {
		data, err := s.blocks.Get(ctx, chunkCid)
		if err != nil {
			return written, fmt.Errorf("blob: chunk %s: %w", chunkCid, err)
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	if written != size {
		return written, fmt.Errorf("%w: manifest size %d, chunks total %d", ErrBadManifest, size, written)
	}
	return written, nil
}

// GetBytes is Get into memory.
func (s *Store) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.Get(ctx, c, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) manifest(ctx context.Context, c cid.Cid) ([]cid.Cid, int64, error) {
	data, err := s.blocks.Get(ctx, c)
	if err != nil {
		return nil, 0, err
	}
	v, err := dagcbor.Unmarshal(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, 0, fmt.Errorf("%w: not a map", ErrBadManifest)
	}
	size, ok := m["size"].(int64)
	if !ok || size < 0 {
		return nil, 0, fmt.Errorf("%w: size", ErrBadManifest)
	}
	rawChunks, ok := m["chunks"].([]any)
	if !ok {
		return nil, 0, fmt.Errorf("%w: chunks", ErrBadManifest)
	}
	chunks := make([]cid.Cid, len(rawChunks))
	for i, raw := range rawChunks {
		chunkCid, ok := raw.(cid.Cid)
		if !ok {
			return nil, 0, fmt.Errorf("%w: chunk %d is not a link", ErrBadManifest, i)
		}
		chunks[i] = chunkCid
	}
	return chunks, size, nil
}
