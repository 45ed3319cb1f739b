package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/stormlightlabs/pds/pkg/cidutil"
)

// blockPrefix namespaces block rows inside the shared badger keyspace.
var blockPrefix = []byte("blk/")

// BadgerConfig configures a persistent block store.
type BadgerConfig struct {
	// Path is the badger data directory.
	Path string
	// MinimumFreeGB refuses to open the store when the filesystem has less
	// free space than this. Zero disables the check.
	MinimumFreeGB uint64
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// Badger is a Store backed by a badger key-value database.
type Badger struct {
	db  *badger.DB
	log *logrus.Logger
}

// OpenBadger opens (creating if necessary) a block store at the configured
// path.
func OpenBadger(config BadgerConfig) (*Badger, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if config.MinimumFreeGB > 0 {
		usage, err := disk.Usage(config.Path)
		if err == nil {
			freeGB := usage.Free / (1 << 30)
			config.Logger.WithFields(logrus.Fields{
				"path":   config.Path,
				"freeGB": freeGB,
			}).Info("block store disk usage")
			if freeGB < config.MinimumFreeGB {
				return nil, fmt.Errorf(
					"blockstore: %d GB free on %s, need %d GB",
					freeGB, config.Path, config.MinimumFreeGB,
				)
			}
		} else {
			config.Logger.WithField("path", config.Path).
				Warnf("cannot stat disk usage: %v", err)
		}
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open badger at %s: %w", config.Path, err)
	}

	return &Badger{db: db, log: config.Logger}, nil
}

// DB exposes the underlying badger handle so that sibling stores (keystore,
// repo state) can share one database file.
func (s *Badger) DB() *badger.DB { return s.db }

// Close flushes and closes the underlying database.
func (s *Badger) Close() error {
	return s.db.Close()
}

func blockKey(c cid.Cid) []byte {
	return append(append([]byte{}, blockPrefix...), c.Bytes()...)
}

func (s *Badger) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c := cidutil.FromData(data)
	key := blockKey(c)

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		s.log.Errorf("block put %s: %v", c, err)
		return cid.Undef, fmt.Errorf("blockstore: put %s: %w", c, err)
	}
	return c, nil
}

func (s *Badger) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(c))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: get %s: %w", c, err)
	}
	return out, nil
}

func (s *Badger) Has(ctx context.Context, c cid.Cid) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(c))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blockstore: has %s: %w", c, err)
	}
	return true, nil
}

func (s *Badger) ListAll(ctx context.Context) ([]Block, error) {
	var out []Block
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         blockPrefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw := item.Key()[len(blockPrefix):]
			c, err := cid.Cast(append([]byte{}, raw...))
			if err != nil {
				return fmt.Errorf("blockstore: corrupt block key: %w", err)
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Block{Cid: c, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
