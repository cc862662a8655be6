package db

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// WriteTxn is an atomic multi-table write session. All writes issued through
// it commit together or leave no observable change. bbolt allows a single
// writer: holding a WriteTxn blocks other writers until Commit or Abort.
type WriteTxn struct {
	tx   *bolt.Tx
	done bool
}

// BeginWrite opens a write session.
func (s *Store) BeginWrite() (*WriteTxn, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("unable to begin write transaction: %v", err)
	}
	return &WriteTxn{tx: tx}, nil
}

// Commit applies every write of the session.
func (t *WriteTxn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Commit()
}

// Abort discards the session. Safe to defer after Commit.
func (t *WriteTxn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *WriteTxn) bucket(table string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrTableDoesNotExist, table)
	}
	return b, nil
}

// EnsureTable creates the named table if it does not exist yet.
func (t *WriteTxn) EnsureTable(name string) error {
	_, err := t.tx.CreateBucketIfNotExists([]byte(name))
	return err
}

// CreateTable creates the named table, failing if it already exists.
func (t *WriteTxn) CreateTable(name string) error {
	if t.tx.Bucket([]byte(name)) != nil {
		return fmt.Errorf("%w: %s", ErrTableAlreadyExists, name)
	}
	_, err := t.tx.CreateBucket([]byte(name))
	return err
}

// DropTable removes the named table within the session.
func (t *WriteTxn) DropTable(name string) error {
	if t.tx.Bucket([]byte(name)) == nil {
		return fmt.Errorf("%w: %s", ErrTableDoesNotExist, name)
	}
	return t.tx.DeleteBucket([]byte(name))
}

// Get decodes the value at key into out, observing the session's own writes.
func (t *WriteTxn) Get(table, key string, out any) (bool, error) {
	b, err := t.bucket(table)
	if err != nil {
		return false, err
	}
	v := b.Get([]byte(key))
	if v == nil {
		return false, nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return true, fmt.Errorf("decoding %s/%s: %v", table, key, err)
	}
	return true, nil
}

// GetRaw returns the raw bytes at key within the session.
func (t *WriteTxn) GetRaw(table, key string) ([]byte, bool, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, false, err
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// ContainsKey reports key presence within the session.
func (t *WriteTxn) ContainsKey(table, key string) (bool, error) {
	_, found, err := t.GetRaw(table, key)
	return found, err
}

// ListKeys returns all keys under the prefix within the session.
func (t *WriteTxn) ListKeys(table, prefix string) ([]string, error) {
	rows, err := t.Query(table, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = row.Key
	}
	return keys, nil
}

// Query returns all rows under the prefix within the session.
func (t *WriteTxn) Query(table, prefix string) ([]KV, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	return scanPrefix(b, prefix), nil
}

// Put writes the JSON encoding of v at key, overwriting.
func (t *WriteTxn) Put(table, key string, v any) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %v", table, key, err)
	}
	return b.Put([]byte(key), raw)
}

// PutIfAbsent writes v at key, failing with ErrKeyAlreadyExists when present.
func (t *WriteTxn) PutIfAbsent(table, key string, v any) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) != nil {
		return fmt.Errorf("%w: %s/%s", ErrKeyAlreadyExists, table, key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %v", table, key, err)
	}
	return b.Put([]byte(key), raw)
}

// Delete removes key, failing with ErrKeyDoesNotExist when absent.
func (t *WriteTxn) Delete(table, key string) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) == nil {
		return fmt.Errorf("%w: %s/%s", ErrKeyDoesNotExist, table, key)
	}
	return b.Delete([]byte(key))
}

// CompareAndPut replaces the value at key only if the stored JSON equals the
// encoding of expected. A nil expected requires the key to be absent. Fails
// with ErrCompareAndSwap on mismatch.
func (t *WriteTxn) CompareAndPut(table, key string, expected, v any) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	stored := b.Get([]byte(key))
	if expected == nil {
		if stored != nil {
			return fmt.Errorf("%w: %s/%s", ErrCompareAndSwap, table, key)
		}
	} else {
		want, err := json.Marshal(expected)
		if err != nil {
			return fmt.Errorf("encoding expected %s/%s: %v", table, key, err)
		}
		if stored == nil || !jsonEqual(stored, want) {
			return fmt.Errorf("%w: %s/%s", ErrCompareAndSwap, table, key)
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %v", table, key, err)
	}
	return b.Put([]byte(key), raw)
}

// jsonEqual compares two JSON documents structurally, so that key ordering
// and whitespace differences between encoders do not defeat the CAS.
func jsonEqual(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ra, errA := json.Marshal(av)
	rb, errB := json.Marshal(bv)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}
