// Package repo implements the repository engine: signed commits over an
// MST of records, CAR export, and firehose emission. Every write runs the
// same pipeline — canonicalize, store, re-root the tree, sign, publish —
// and all of it lands atomically from a reader's point of view because the
// head pointer only moves after every block is in the store.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/car"
	"github.com/stormlightlabs/pds/pkg/firehose"
	"github.com/stormlightlabs/pds/pkg/keystore"
	"github.com/stormlightlabs/pds/pkg/mst"
	"github.com/stormlightlabs/pds/pkg/tid"
)

var (
	ErrRecordNotFound = errors.New("repo: record not found")
	ErrRecordExists   = errors.New("repo: record already exists")
)

// Engine coordinates all repository writes and reads.
type Engine struct {
	blocks blockstore.Store
	keys   keystore.Provider
	states StateStore
	hub    *firehose.Hub
	clock  *tid.Clock
	log    *slog.Logger

	// locks serializes writes per DID so prev chains cannot fork. Writes
	// to different repositories proceed in parallel.
	locks sync.Map // did -> *sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

// Config wires an Engine's collaborators.
type Config struct {
	Blocks blockstore.Store
	Keys   keystore.Provider
	States StateStore
	Hub    *firehose.Hub
	Logger *slog.Logger
	Clock  *tid.Clock
}

// NewEngine creates an engine. Blocks, Keys, and States are required; a
// nil Hub disables firehose emission.
func NewEngine(config Config) (*Engine, error) {
	if config.Blocks == nil || config.Keys == nil || config.States == nil {
		return nil, errors.New("repo: block store, key store, and state store are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = tid.NewClock()
	}
	return &Engine{
		blocks: config.Blocks,
		keys:   config.Keys,
		states: config.States,
		hub:    config.Hub,
		clock:  config.Clock,
		log:    config.Logger,
		now:    time.Now,
	}, nil
}

// RecordRef describes a written record and the commit that carries it.
type RecordRef struct {
	Uri    string
	Cid    cid.Cid
	Commit CommitRef
}

// CommitRef names a commit by CID and revision.
type CommitRef struct {
	Cid cid.Cid
	Rev string
}

func (e *Engine) lockFor(did string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(did, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateRecord writes a new record. When rkey is empty a fresh TID is
// allocated for it. Writing over an existing rkey is refused; use
// PutRecord for upserts.
func (e *Engine) CreateRecord(ctx context.Context, did, collection string, record json.RawMessage, rkey string) (*RecordRef, error) {
	if rkey == "" {
		rkey = e.clock.Next()
	}
	return e.writeRecord(ctx, did, collection, rkey, record, false)
}

// PutRecord writes a record at a caller-chosen rkey, replacing any prior
// value.
func (e *Engine) PutRecord(ctx context.Context, did, collection, rkey string, record json.RawMessage) (*RecordRef, error) {
	return e.writeRecord(ctx, did, collection, rkey, record, true)
}

func (e *Engine) writeRecord(ctx context.Context, did, collection, rkey string, record json.RawMessage, overwrite bool) (*RecordRef, error) {
	if err := validateRecordPath(did, collection, rkey); err != nil {
		return nil, err
	}
	canonical, err := canonicalRecord(record)
	if err != nil {
		return nil, err
	}

	mu := e.lockFor(did)
	mu.Lock()
	defer mu.Unlock()

	state, err := e.loadOrInitState(ctx, did)
	if err != nil {
		return nil, err
	}

	key := collection + "/" + rkey
	tree := mst.New(e.blocks)
	if !overwrite {
		if _, exists, err := tree.Get(ctx, state.Root, key); err != nil {
			return nil, err
		} else if exists {
			return nil, fmt.Errorf("%w: %s", ErrRecordExists, key)
		}
	}

	// Every block written from here on is part of the commit's delta CAR.
	delta := blockstore.NewLog(e.blocks)
	deltaTree := mst.New(delta)

	recordCid, err := delta.Put(ctx, canonical)
	if err != nil {
		return nil, err
	}
	newRoot, err := deltaTree.Put(ctx, state.Root, key, recordCid)
	if err != nil {
		return nil, err
	}

	commitRef, err := e.commit(ctx, delta, state, newRoot)
	if err != nil {
		return nil, err
	}
	state.noteCollection(collection)
	if err := e.states.Put(ctx, state); err != nil {
		return nil, err
	}

	e.emit(state, delta, commitRef)

	return &RecordRef{
		Uri:    RecordUri(did, collection, rkey),
		Cid:    recordCid,
		Commit: commitRef,
	}, nil
}

// DeleteRecord removes a record and commits the shrunken tree.
func (e *Engine) DeleteRecord(ctx context.Context, did, collection, rkey string) (*CommitRef, error) {
	if err := validateRecordPath(did, collection, rkey); err != nil {
		return nil, err
	}

	mu := e.lockFor(did)
	mu.Lock()
	defer mu.Unlock()

	state, err := e.states.Get(ctx, did)
	if err != nil {
		return nil, err
	}

	delta := blockstore.NewLog(e.blocks)
	deltaTree := mst.New(delta)

	newRoot, removed, err := deltaTree.Delete(ctx, state.Root, collection+"/"+rkey)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, collection, rkey)
	}
	if !newRoot.Defined() {
		// A fully emptied tree still needs a root for the commit to point
		// at: the canonical empty node.
		if newRoot, err = deltaTree.EmptyRoot(ctx); err != nil {
			return nil, err
		}
	}

	commitRef, err := e.commit(ctx, delta, state, newRoot)
	if err != nil {
		return nil, err
	}
	if err := e.states.Put(ctx, state); err != nil {
		return nil, err
	}

	e.emit(state, delta, commitRef)
	return &commitRef, nil
}

// commit signs a new head over newRoot and advances state in memory. The
// caller persists state and publishes the event.
func (e *Engine) commit(ctx context.Context, delta *blockstore.Log, state *State, newRoot cid.Cid) (CommitRef, error) {
	rev := e.clock.Next()
	c := &Commit{
		Did:     state.Did,
		Version: CommitVersion,
		Data:    newRoot,
		Rev:     rev,
	}
	if state.Head.Defined() {
		prev := state.Head
		c.Prev = &prev
	}

	key, err := e.keys.SigningKey(ctx, state.Did)
	if err != nil {
		return CommitRef{}, err
	}
	if err := c.Sign(key); err != nil {
		return CommitRef{}, err
	}
	signed, err := c.SignedBytes()
	if err != nil {
		return CommitRef{}, err
	}
	commitCid, err := delta.Put(ctx, signed)
	if err != nil {
		return CommitRef{}, err
	}

	state.Head = commitCid
	state.Root = newRoot
	state.Rev = rev
	return CommitRef{Cid: commitCid, Rev: rev}, nil
}

// emit publishes the commit's delta CAR to the firehose. Emission failures
// are logged and swallowed; the write has already succeeded.
func (e *Engine) emit(state *State, delta *blockstore.Log, ref CommitRef) {
	if e.hub == nil {
		return
	}

	// The commit block leads the archive; the record and MST blocks follow
	// in write order.
	written := delta.Written()
	blocks := make([]blockstore.Block, 0, len(written))
	for _, b := range written {
		if b.Cid.Equals(ref.Cid) {
			blocks = append([]blockstore.Block{b}, blocks...)
		} else {
			blocks = append(blocks, b)
		}
	}

	archive, err := car.Encode([]cid.Cid{ref.Cid}, blocks)
	if err != nil {
		e.log.Error("encode firehose archive", "did", state.Did, "error", err)
		return
	}
	seq, err := e.hub.Emit(state.Did, ref.Rev, ref.Cid, archive, e.now())
	if err != nil {
		e.log.Error("emit firehose event", "did", state.Did, "error", err)
		return
	}
	e.log.Debug("commit event emitted", "did", state.Did, "rev", ref.Rev, "seq", seq)
}

func (e *Engine) loadOrInitState(ctx context.Context, did string) (*State, error) {
	state, err := e.states.Get(ctx, did)
	if errors.Is(err, ErrRepoNotFound) {
		return &State{Did: did}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetRecord reads one record back as JSON.
func (e *Engine) GetRecord(ctx context.Context, did, collection, rkey string) (*RecordRef, json.RawMessage, error) {
	if err := validateRecordPath(did, collection, rkey); err != nil {
		return nil, nil, err
	}
	state, err := e.states.Get(ctx, did)
	if err != nil {
		return nil, nil, err
	}

	tree := mst.New(e.blocks)
	recordCid, found, err := tree.Get(ctx, state.Root, collection+"/"+rkey)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, collection, rkey)
	}

	data, err := e.blocks.Get(ctx, recordCid)
	if err != nil {
		return nil, nil, err
	}
	value, err := recordToJSON(data)
	if err != nil {
		return nil, nil, err
	}
	ref := &RecordRef{
		Uri:    RecordUri(did, collection, rkey),
		Cid:    recordCid,
		Commit: CommitRef{Cid: state.Head, Rev: state.Rev},
	}
	return ref, value, nil
}

// ListRecords walks a collection in key order.
func (e *Engine) ListRecords(ctx context.Context, did, collection string, fn func(rkey string, c cid.Cid) error) error {
	if err := ValidateDid(did); err != nil {
		return err
	}
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	state, err := e.states.Get(ctx, did)
	if err != nil {
		return err
	}

	prefix := collection + "/"
	tree := mst.New(e.blocks)
	return tree.Walk(ctx, state.Root, func(key string, value cid.Cid) error {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return fn(key[len(prefix):], value)
		}
		return nil
	})
}

// Describe returns the repository's current state.
func (e *Engine) Describe(ctx context.Context, did string) (*State, error) {
	if err := ValidateDid(did); err != nil {
		return nil, err
	}
	return e.states.Get(ctx, did)
}

// ExportRepo builds a CAR of every block reachable from the head commit:
// the commit itself, then MST nodes, then records.
func (e *Engine) ExportRepo(ctx context.Context, did string) ([]byte, error) {
	state, err := e.Describe(ctx, did)
	if err != nil {
		return nil, err
	}
	if !state.Head.Defined() {
		return nil, fmt.Errorf("%w: %s has no commits", ErrRepoNotFound, did)
	}

	commitData, err := e.blocks.Get(ctx, state.Head)
	if err != nil {
		return nil, err
	}
	blocks := []blockstore.Block{{Cid: state.Head, Data: commitData}}

	seen := map[cid.Cid]bool{state.Head: true}
	var records []cid.Cid

	tree := mst.New(e.blocks)
	err = tree.WalkNodes(ctx, state.Root, func(c cid.Cid, data []byte, n *mst.Node) error {
		if !seen[c] {
			seen[c] = true
			blocks = append(blocks, blockstore.Block{Cid: c, Data: data})
		}
		for _, entry := range n.Entries {
			records = append(records, entry.Value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, rc := range records {
		if seen[rc] {
			continue
		}
		seen[rc] = true
		data, err := e.blocks.Get(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("repo: record block %s: %w", rc, err)
		}
		blocks = append(blocks, blockstore.Block{Cid: rc, Data: data})
	}

	return car.Encode([]cid.Cid{state.Head}, blocks)
}

// ExportBlocks builds a CAR of exactly the requested blocks.
func (e *Engine) ExportBlocks(ctx context.Context, did string, cids []cid.Cid) ([]byte, error) {
	state, err := e.Describe(ctx, did)
	if err != nil {
		return nil, err
	}

	blocks := make([]blockstore.Block, 0, len(cids))
	for _, c := range cids {
		data, err := e.blocks.Get(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("repo: block %s: %w", c, err)
		}
		blocks = append(blocks, blockstore.Block{Cid: c, Data: data})
	}
	return car.Encode([]cid.Cid{state.Head}, blocks)
}

func validateRecordPath(did, collection, rkey string) error {
	if err := ValidateDid(did); err != nil {
		return err
	}
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	return ValidateRkey(rkey)
}
