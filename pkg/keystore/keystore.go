// Package keystore persists per-repository signing keys. A repository's
// key pair is generated the first time its DID is seen and must survive
// restarts: losing the key makes the whole commit chain unverifiable.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/stormlightlabs/pds/pkg/crypto"
)

// Provider hands out the signing key for a DID, creating and persisting
// one on first use.
type Provider interface {
	SigningKey(ctx context.Context, did string) (*crypto.PrivateKey, error)
}

var keyPrefix = []byte("sk/")

// Badger stores private keys in a badger database, usually the same one
// that backs the block store.
type Badger struct {
	db    *badger.DB
	curve crypto.Curve

	// mu serializes first-use generation so concurrent writers for a new
	// DID agree on one key.
	mu sync.Mutex
}

// NewBadger creates a key store generating keys on the given curve.
func NewBadger(db *badger.DB, curve crypto.Curve) *Badger {
	return &Badger{db: db, curve: curve}
}

func (s *Badger) SigningKey(ctx context.Context, did string) (*crypto.PrivateKey, error) {
	if key, err := s.lookup(did); err == nil {
		return key, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock; another writer may have won the race.
	if key, err := s.lookup(did); err == nil {
		return key, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}

	key, err := crypto.Generate(s.curve)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(append([]byte{}, keyPrefix...), did...), key.Bytes())
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: persist key for %s: %w", did, err)
	}
	return key, nil
}

func (s *Badger) lookup(did string) (*crypto.PrivateKey, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(append([]byte{}, keyPrefix...), did...))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	key, err := crypto.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("keystore: stored key for %s: %w", did, err)
	}
	return key, nil
}

// Memory is a map-backed Provider for tests.
type Memory struct {
	curve crypto.Curve

	mu   sync.Mutex
	keys map[string]*crypto.PrivateKey
}

// NewMemory creates an in-memory key store on the given curve.
func NewMemory(curve crypto.Curve) *Memory {
	return &Memory{curve: curve, keys: make(map[string]*crypto.PrivateKey)}
}

func (s *Memory) SigningKey(ctx context.Context, did string) (*crypto.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[did]; ok {
		return key, nil
	}
	key, err := crypto.Generate(s.curve)
	if err != nil {
		return nil, err
	}
	s.keys[did] = key
	return key, nil
}
