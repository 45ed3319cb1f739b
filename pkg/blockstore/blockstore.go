// Package blockstore provides content-addressed block storage. Blocks are
// opaque byte strings keyed by the CID of their SHA-256 digest; a put of
// identical bytes always lands on the same key, so duplicate puts are
// harmless no-ops.
package blockstore

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/stormlightlabs/pds/pkg/cidutil"
)

// ErrNotFound reports a CID with no stored bytes.
var ErrNotFound = errors.New("blockstore: block not found")

// Block pairs stored bytes with their CID.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// Store is the capability the MST and repository engines consume.
// Implementations must tolerate concurrent Put of identical bytes.
type Store interface {
	// Put stores data under the CID of its digest and returns that CID.
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	// Get returns the stored bytes, or ErrNotFound.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	// Has reports whether bytes are stored for c.
	Has(ctx context.Context, c cid.Cid) (bool, error)
	// ListAll returns every stored block. Ordering is unspecified.
	ListAll(ctx context.Context) ([]Block, error)
}

// Memory is a map-backed Store. It is the reference implementation and the
// default for tests.
type Memory struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[cid.Cid][]byte)}
}

func (s *Memory) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c := cidutil.FromData(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blocks[c]; !exists {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.blocks[c] = stored
	}
	return c, nil
}

func (s *Memory) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.blocks[c]
	if !exists {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Memory) Has(ctx context.Context, c cid.Cid) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.blocks[c]
	return exists, nil
}

func (s *Memory) ListAll(ctx context.Context) ([]Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Block, 0, len(s.blocks))
	for c, data := range s.blocks {
		copied := make([]byte, len(data))
		copy(copied, data)
		out = append(out, Block{Cid: c, Data: copied})
	}
	return out, nil
}

// Log wraps a Store and records every block written through it, in write
// order. The repository engine uses one Log per commit to collect the delta
// block set for the firehose CAR.
type Log struct {
	inner Store

	mu      sync.Mutex
	order   []cid.Cid
	written map[cid.Cid][]byte
}

// NewLog wraps inner with a fresh write log.
func NewLog(inner Store) *Log {
	return &Log{inner: inner, written: make(map[cid.Cid][]byte)}
}

func (l *Log) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := l.inner.Put(ctx, data)
	if err != nil {
		return cid.Undef, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.written[c]; !seen {
		stored := make([]byte, len(data))
		copy(stored, data)
		l.written[c] = stored
		l.order = append(l.order, c)
	}
	return c, nil
}

func (l *Log) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	return l.inner.Get(ctx, c)
}

func (l *Log) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return l.inner.Has(ctx, c)
}

func (l *Log) ListAll(ctx context.Context) ([]Block, error) {
	return l.inner.ListAll(ctx)
}

// Written returns the blocks recorded so far, in first-write order.
func (l *Log) Written() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Block, 0, len(l.order))
	for _, c := range l.order {
		out = append(out, Block{Cid: c, Data: l.written[c]})
	}
	return out
}
