// Package db implements the embedded persistence layer of the engine: a
// single-file key-value store with named tables, lexicographic prefix scans,
// atomic multi-table write sessions and per-subwallet logical partitions.
// Values cross the boundary as JSON bytes.
package db

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultTable holds the store-wide records: the aggregate wallet records,
// the heir registry and the schema version. Subwallet configs, unused xpubs,
// cached balance/fee/objective cells and the utxo and tx-summary indexes are
// not kept here; each heritage wallet stores them in its own table.
const DefaultTable = "heritage"

var (
	ErrKeyAlreadyExists   = errors.New("key already exists")
	ErrKeyDoesNotExist    = errors.New("key does not exist")
	ErrTableAlreadyExists = errors.New("table already exists")
	ErrTableDoesNotExist  = errors.New("table does not exist")
	// ErrCompareAndSwap reports a read-modify-write whose expected value no
	// longer matches the stored one. Retryable at the caller's discretion.
	ErrCompareAndSwap = errors.New("compare-and-swap conflict")
)

// Store is the single-file store. bbolt enforces a single writer internally;
// readers share the handle freely.
type Store struct {
	db *bolt.DB
}

// KV is one key/value row returned by prefix queries.
type KV struct {
	Key   string
	Value []byte
}

// Open opens (creating if needed) the store file and ensures the default
// table exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("unable to open wallet database %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(DefaultTable))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize wallet database: %v", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// TableExists reports whether the named table exists.
func (s *Store) TableExists(name string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return exists, err
}

// CreateTable creates a named table, failing if it already exists.
func (s *Store) CreateTable(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) != nil {
			return fmt.Errorf("%w: %s", ErrTableAlreadyExists, name)
		}
		_, err := tx.CreateBucket([]byte(name))
		return err
	})
}

// DropTable removes a table and every row it holds.
func (s *Store) DropTable(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return fmt.Errorf("%w: %s", ErrTableDoesNotExist, name)
		}
		return tx.DeleteBucket([]byte(name))
	})
}

// ListTables returns the table names in lexicographic order.
func (s *Store) ListTables() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// Get decodes the value at key into out. Returns false when the key is
// absent.
func (s *Store) Get(table, key string, out any) (bool, error) {
	raw, found, err := s.GetRaw(table, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decoding %s/%s: %v", table, key, err)
	}
	return true, nil
}

// GetRaw returns the raw JSON bytes at key.
func (s *Store) GetRaw(table, key string) ([]byte, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrTableDoesNotExist, table)
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = bytes.Clone(v)
		}
		return nil
	})
	return raw, raw != nil, err
}

// ContainsKey reports key presence.
func (s *Store) ContainsKey(table, key string) (bool, error) {
	_, found, err := s.GetRaw(table, key)
	return found, err
}

// ListKeys returns all keys under the prefix, in lexicographic order.
func (s *Store) ListKeys(table, prefix string) ([]string, error) {
	rows, err := s.Query(table, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = row.Key
	}
	return keys, nil
}

// Query returns all rows under the prefix, in key order.
func (s *Store) Query(table, prefix string) ([]KV, error) {
	var rows []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrTableDoesNotExist, table)
		}
		rows = scanPrefix(b, prefix)
		return nil
	})
	return rows, err
}

func scanPrefix(b *bolt.Bucket, prefix string) []KV {
	var rows []KV
	c := b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		rows = append(rows, KV{Key: string(k), Value: bytes.Clone(v)})
	}
	return rows
}

// Put writes the JSON encoding of v at key, overwriting any previous value.
func (s *Store) Put(table, key string, v any) error {
	txn, err := s.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.Put(table, key, v); err != nil {
		return err
	}
	return txn.Commit()
}

// PutIfAbsent writes v at key, failing with ErrKeyAlreadyExists when the key
// is present. Callers use the failure as a "verify name free" control signal.
func (s *Store) PutIfAbsent(table, key string, v any) error {
	txn, err := s.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.PutIfAbsent(table, key, v); err != nil {
		return err
	}
	return txn.Commit()
}

// Delete removes key, failing with ErrKeyDoesNotExist when absent.
func (s *Store) Delete(table, key string) error {
	txn, err := s.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.Delete(table, key); err != nil {
		return err
	}
	return txn.Commit()
}
