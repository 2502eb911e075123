package store

import (
	"bytes"
	"fmt"

	"go.etcd.io/bbolt"
)

// indexBucket is the single bucket holding all index entries.
var indexBucket = []byte("IX")

// BoltDBKV is the bbolt-backed index, the default backend.
type BoltDBKV struct {
	db *bbolt.DB
}

// NewBoltDBKV opens (creating if needed) a bbolt index at the given path.
func NewBoltDBKV(path string) (*BoltDBKV, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb index %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create index bucket: %w", err)
	}
	return &BoltDBKV{db: db}, nil
}

// Get implements the KV interface.
func (s *BoltDBKV) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(indexBucket).Get(key); v != nil {
			val = bytes.Clone(v)
		}
		return nil
	})
	if err == nil && val == nil {
		err = ErrKeyNotFound
	}
	return val, err
}

// Put implements the KV interface.
func (s *BoltDBKV) Put(k, v []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Put(k, v)
	})
}

// Delete implements the KV interface.
func (s *BoltDBKV) Delete(k []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(k)
	})
}

// Seek implements the KV interface.
func (s *BoltDBKV) Seek(prefix []byte, f func(k, v []byte) bool) {
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(indexBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !f(k, v) {
				break
			}
		}
		return nil
	})
}

// Close releases all db resources.
func (s *BoltDBKV) Close() error {
	return s.db.Close()
}
