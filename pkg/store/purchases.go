package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SavePurchase atomically writes a delivered artifact to
// purchases/<product>/<task_id>.blob.
func (s *Store) SavePurchase(product string, id uuid.UUID, blob []byte) error {
	dir := filepath.Join(s.dir, purchasesDir, productDir(product))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, id.String()+".blob"), blob, 0o600)
}

// LoadPurchase reads a delivered artifact back.
func (s *Store) LoadPurchase(product string, id uuid.UUID) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, purchasesDir, productDir(product), id.String()+".blob"))
}

// Purchases lists the tasks with a stored artifact for the product,
// sorted. A product never bought yields an empty list.
func (s *Store) Purchases(product string) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, purchasesDir, productDir(product)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".blob")
		if !ok || e.IsDir() {
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

// MarkPublished records the open marketplace task for a product. The
// mark is index-only cache; after an index rebuild the seller plan
// re-derives it from the marketplace.
func (s *Store) MarkPublished(product string, id uuid.UUID) error {
	return s.kv.Put(publishedKey(product), id[:])
}

// PublishedTask returns the recorded open task for the product, if any.
func (s *Store) PublishedTask(product string) (uuid.UUID, bool, error) {
	raw, err := s.kv.Get(publishedKey(product))
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return uuid.Nil, false, nil
	case err != nil:
		return uuid.Nil, false, err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("published mark for %s: %w", product, err)
	}
	return id, true, nil
}

// ClearPublished drops the mark once the product's task reaches a
// terminal state.
func (s *Store) ClearPublished(product string) error {
	return s.kv.Delete(publishedKey(product))
}

// productDir maps a product name to a directory name. Product names come
// from configuration but must not escape the purchases tree.
func productDir(product string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, product)
}
