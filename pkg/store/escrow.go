package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SaveEscrow atomically writes the task's escrow record to
// escrow/<task_id>.json. The record schema is the escrow package's; the
// store only guarantees atomicity.
func (s *Store) SaveEscrow(id uuid.UUID, v any) error {
	return s.SaveJSON(filepath.Join(escrowDir, id.String()+".json"), v)
}

// LoadEscrow reads escrow/<task_id>.json into v.
func (s *Store) LoadEscrow(id uuid.UUID, v any) error {
	return s.LoadJSON(filepath.Join(escrowDir, id.String()+".json"), v)
}

// HasEscrow reports whether a record exists for the task.
func (s *Store) HasEscrow(id uuid.UUID) bool {
	_, err := os.Stat(filepath.Join(s.dir, escrowDir, id.String()+".json"))
	return err == nil
}

// EscrowIDs lists every task with an escrow record, sorted. Startup
// reconciliation walks this list.
func (s *Store) EscrowIDs() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, escrowDir))
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		id, err := uuid.Parse(name)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids, nil
}
