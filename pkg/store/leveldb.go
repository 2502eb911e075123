package store

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBKV is the goleveldb-backed index.
type LevelDBKV struct {
	db   *leveldb.DB
	path string
}

// NewLevelDBKV opens (creating if needed) a leveldb index rooted at the
// given directory.
func NewLevelDBKV(path string) (*LevelDBKV, error) {
	opts := &opt.Options{
		Filter: filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB instance: %w", err)
	}
	return &LevelDBKV{db: db, path: path}, nil
}

// Get implements the KV interface.
func (s *LevelDBKV) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		err = ErrKeyNotFound
	}
	return value, err
}

// Put implements the KV interface.
func (s *LevelDBKV) Put(k, v []byte) error {
	return s.db.Put(k, v, nil)
}

// Delete implements the KV interface.
func (s *LevelDBKV) Delete(k []byte) error {
	return s.db.Delete(k, nil)
}

// Seek implements the KV interface.
func (s *LevelDBKV) Seek(prefix []byte, f func(k, v []byte) bool) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if !f(iter.Key(), iter.Value()) {
			break
		}
	}
}

// Close implements the KV interface.
func (s *LevelDBKV) Close() error {
	return s.db.Close()
}
