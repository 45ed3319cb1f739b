package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/cidutil"
)

// ErrRepoNotFound reports a DID with no repository state.
var ErrRepoNotFound = errors.New("repo: repository not found")

// State is the persisted head pointer of one repository.
type State struct {
	Did string
	// Rev is the revision of the latest commit.
	Rev string
	// Root is the current MST root; cid.Undef before the first commit. A
	// repository whose records were all deleted points at the canonical
	// empty node.
	Root cid.Cid
	// Head is the latest signed commit CID; cid.Undef before the first
	// commit.
	Head cid.Cid
	// Collections lists every collection that has ever held a record.
	Collections []string
}

type stateJSON struct {
	Did         string   `json:"did"`
	Rev         string   `json:"rev"`
	Root        string   `json:"mstRoot,omitempty"`
	Head        string   `json:"head,omitempty"`
	Collections []string `json:"collections,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{Did: s.Did, Rev: s.Rev, Collections: s.Collections}
	if s.Root.Defined() {
		out.Root = s.Root.String()
	}
	if s.Head.Defined() {
		out.Head = s.Head.String()
	}
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Did = raw.Did
	s.Rev = raw.Rev
	s.Collections = raw.Collections
	s.Root = cid.Undef
	s.Head = cid.Undef
	if raw.Root != "" {
		c, err := cidutil.Parse(raw.Root)
		if err != nil {
			return fmt.Errorf("repo: state root: %w", err)
		}
		s.Root = c
	}
	if raw.Head != "" {
		c, err := cidutil.Parse(raw.Head)
		if err != nil {
			return fmt.Errorf("repo: state head: %w", err)
		}
		s.Head = c
	}
	return nil
}

func (s *State) noteCollection(collection string) {
	for _, c := range s.Collections {
		if c == collection {
			return
		}
	}
	s.Collections = append(s.Collections, collection)
}

// StateStore maps DIDs to repository state.
type StateStore interface {
	Get(ctx context.Context, did string) (*State, error)
	Put(ctx context.Context, state *State) error
	// List returns every DID with stored state.
	List(ctx context.Context) ([]string, error)
}

// MemoryStates is a map-backed StateStore.
type MemoryStates struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStates() *MemoryStates {
	return &MemoryStates{states: make(map[string]State)}
}

func (m *MemoryStates) Get(ctx context.Context, did string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[did]
	if !ok {
		return nil, ErrRepoNotFound
	}
	out := s
	return &out, nil
}

func (m *MemoryStates) Put(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Did] = *state
	return nil
}

func (m *MemoryStates) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.states))
	for did := range m.states {
		out = append(out, did)
	}
	return out, nil
}

var statePrefix = []byte("repo/")

// BadgerStates stores state rows as JSON in a badger database.
type BadgerStates struct {
	db *badger.DB
}

func NewBadgerStates(db *badger.DB) *BadgerStates {
	return &BadgerStates{db: db}
}

func stateKey(did string) []byte {
	return append(append([]byte{}, statePrefix...), did...)
}

func (b *BadgerStates) Get(ctx context.Context, did string) (*State, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(did))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load state for %s: %w", did, err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("repo: decode state for %s: %w", did, err)
	}
	return &state, nil
}

func (b *BadgerStates) Put(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(state.Did), raw)
	})
	if err != nil {
		return fmt.Errorf("repo: store state for %s: %w", state.Did, err)
	}
	return nil
}

func (b *BadgerStates) List(ctx context.Context) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: statePrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			out = append(out, string(key[len(statePrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
