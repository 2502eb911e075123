/*
Package store owns an agent's sovereign data directory. The jsonl logs
(ledger.jsonl, heartbeat.log.jsonl) and the per-task JSON files under
escrow/ are the durable truth; every file write is atomic (temp file in
the same directory, then rename). A KV index carries the derived lookups
the runtime needs on its hot path: the (from, nonce) replay set,
day-bounded spend totals and publication marks. The index is rebuilt from
the jsonl files whenever its version key is missing or stale, so losing
it costs a scan, never data.

Exactly one process may own a directory; ownership is enforced with a
file lock taken on open.
*/
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/karmacadabra/karma-go/pkg/config"
	"go.uber.org/zap"
)

// Layout inside the data directory.
const (
	agentFile     = "agent.json"
	stateFile     = "state.md"
	ledgerFile    = "ledger.jsonl"
	heartbeatFile = "heartbeat.log.jsonl"
	escrowDir     = "escrow"
	purchasesDir  = "purchases"
	lockFile      = ".lock"
)

// ErrLocked is returned when another process owns the data directory.
var ErrLocked = errors.New("data directory locked by another process")

// Store is one agent's data directory handle.
type Store struct {
	dir string
	lk  *flock.Flock
	kv  KV
	log *zap.Logger

	mu sync.Mutex // serializes appends and read-modify-write index updates
}

// Open locks the data directory, creates the layout if missing and opens
// the index backend selected by db, rebuilding it when needed.
func Open(dir string, db config.DBConfiguration, log *zap.Logger) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, escrowDir), filepath.Join(dir, purchasesDir)} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	lk := flock.New(filepath.Join(dir, lockFile))
	held, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !held {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	kv, err := newKV(dir, db)
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	s := &Store{dir: dir, lk: lk, kv: kv, log: log}
	if err := s.ensureIndex(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func newKV(dir string, db config.DBConfiguration) (KV, error) {
	switch db.Type {
	case "boltdb", "":
		return NewBoltDBKV(filepath.Join(dir, "index.bolt"))
	case "leveldb":
		return NewLevelDBKV(filepath.Join(dir, "index"))
	case "inmemory":
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown index backend: %s", db.Type)
	}
}

// Dir returns the data directory root.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the index and the directory lock.
func (s *Store) Close() error {
	err := s.kv.Close()
	if uerr := s.lk.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// SaveJSON atomically writes v as indented JSON to a path relative to the
// store root.
func (s *Store) SaveJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	return writeFileAtomic(filepath.Join(s.dir, rel), append(data, '\n'), 0o600)
}

// LoadJSON reads a JSON file relative to the store root into v. Missing
// files surface as fs.ErrNotExist.
func (s *Store) LoadJSON(rel string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, rel))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", rel, err)
	}
	return nil
}

// appendLine appends one JSON line to a log file and syncs it. Callers
// hold s.mu.
func (s *Store) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s line: %w", name, err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// replayLines streams the raw lines of a log file in append order. A
// missing file is an empty log.
func (s *Store) replayLines(name string, f func(raw []byte) error) error {
	file, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := f(raw); err != nil {
			return fmt.Errorf("%s line %d: %w", name, line, err)
		}
	}
	return sc.Err()
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(name)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
