package store

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is an in-memory implementation of KV, used for the "inmemory"
// backend and in tests. Contents do not survive a restart, so the index
// is rebuilt from the jsonl files on every open.
type MemoryKV struct {
	mut sync.RWMutex
	mem map[string][]byte
}

// NewMemoryKV creates a new MemoryKV object.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{mem: make(map[string][]byte)}
}

// Get implements the KV interface.
func (s *MemoryKV) Get(key []byte) ([]byte, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if val, ok := s.mem[string(key)]; ok {
		return bytes.Clone(val), nil
	}
	return nil, ErrKeyNotFound
}

// Put implements the KV interface.
func (s *MemoryKV) Put(k, v []byte) error {
	s.mut.Lock()
	s.mem[string(k)] = bytes.Clone(v)
	s.mut.Unlock()
	return nil
}

// Delete implements the KV interface.
func (s *MemoryKV) Delete(k []byte) error {
	s.mut.Lock()
	delete(s.mem, string(k))
	s.mut.Unlock()
	return nil
}

// Seek implements the KV interface.
func (s *MemoryKV) Seek(prefix []byte, f func(k, v []byte) bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	sp := string(prefix)
	var keys []string
	for k := range s.mem {
		if strings.HasPrefix(k, sp) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !f([]byte(k), s.mem[k]) {
			break
		}
	}
}

// Close implements KV interface and clears up memory. Never returns an
// error.
func (s *MemoryKV) Close() error {
	s.mut.Lock()
	s.mem = nil
	s.mut.Unlock()
	return nil
}
