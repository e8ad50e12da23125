package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// Badger implements Store on top of a BadgerDB directory.
type Badger struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens (creating if needed) the database at dir.
func OpenBadger(dir string) (*Badger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store %s: %w", dir, err)
	}

	return &Badger{db: db}, nil
}

// OpenMemory opens a throwaway in-memory database.
func OpenMemory() (*Badger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}

	return &Badger{db: db}, nil
}

func (b *Badger) Save(_ context.Context, key string, value any) error {
	if b.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (b *Badger) Load(_ context.Context, key string, out any) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}

	return true, nil
}

func (b *Badger) Remove(_ context.Context, key string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *Badger) Keys(_ context.Context, prefix string) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys %q: %w", prefix, err)
	}

	return keys, nil
}

func (b *Badger) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	return b.db.Close()
}
