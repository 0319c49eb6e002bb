// Package badgerstore is the default core.Store backend, a single Badger
// database with one key prefix per logical table.
//
// Grounded on Charizard13's badger wrapper: a fixed prefix per table and a
// Seek/ValidForPrefix/Next iteration loop copying key and value out of the
// item before returning them, so nothing outlives the transaction.
package badgerstore

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Store wraps a badger.DB behind core.Store. Tables are namespaced by
// prefixing every key with "<table>\x00".
type Store struct {
	db  *badger.DB
	log *logrus.Entry
}

// Open opens (creating if absent) a Badger database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %s: %w", path, err)
	}
	return &Store{db: db, log: logrus.WithField("component", "badgerstore")}, nil
}

func tableKey(table string, key []byte) []byte {
	out := make([]byte, 0, len(table)+1+len(key))
	out = append(out, table...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

// Get implements core.Store.
func (s *Store) Get(table string, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tableKey(table, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("badgerstore: get %s: %w", table, err)
	}
	return value, value != nil, nil
}

// Put implements core.Store.
func (s *Store) Put(table string, key []byte, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tableKey(table, key), value)
	})
	if err != nil {
		return fmt.Errorf("badgerstore: put %s: %w", table, err)
	}
	return nil
}

// Delete implements core.Store.
func (s *Store) Delete(table string, key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tableKey(table, key))
	})
	if err != nil {
		return fmt.Errorf("badgerstore: delete %s: %w", table, err)
	}
	return nil
}

// Iterate implements core.Store, walking every key in table whose
// unprefixed suffix starts with keyPrefix (keyPrefix may be nil for "all").
func (s *Store) Iterate(table string, keyPrefix []byte, fn func(key, value []byte) error) error {
	prefix := tableKey(table, keyPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		tableLen := len(table) + 1
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			keyCopy := append([]byte(nil), item.Key()[tableLen:]...)
			valCopy, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(keyCopy, valCopy); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements core.Store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badgerstore: close: %w", err)
	}
	return nil
}
