package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"go.uber.org/zap"
)

// LedgerEntry is one issued payment authorization with its business
// context. (from, nonce) is the natural key.
type LedgerEntry struct {
	At            time.Time             `json:"at"`
	TaskID        uuid.UUID             `json:"task_id"`
	Product       string                `json:"product,omitempty"`
	Authorization payment.Authorization `json:"authorization"`
}

// ObserveNonce implements payment.NonceLedger. The signer calls it before
// producing a signature, so a crash between the two costs one unused
// random nonce and nothing else.
func (s *Store) ObserveNonce(from common.Address, nonce [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := nonceKey(from, nonce)
	_, err := s.kv.Get(k)
	switch {
	case err == nil:
		return fmt.Errorf("%w: from %s nonce %x", payment.ErrNonceReplayed, from, nonce[:8])
	case !errors.Is(err, ErrKeyNotFound):
		return err
	}
	return s.kv.Put(k, []byte{1})
}

// SeenNonce implements payment.NonceLedger.
func (s *Store) SeenNonce(from common.Address, nonce [32]byte) (bool, error) {
	_, err := s.kv.Get(nonceKey(from, nonce))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrKeyNotFound):
		return false, nil
	}
	return false, err
}

// AppendAuthorization records an issued authorization. The ledger line is
// durable before the authorization is allowed to leave the process; the
// replay set and the day spend total are updated in the same critical
// section.
func (s *Store) AppendAuthorization(e LedgerEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLine(ledgerFile, e); err != nil {
		return err
	}
	return s.indexAuthorization(e)
}

// ReplayLedger streams every ledger entry in append order.
func (s *Store) ReplayLedger(f func(LedgerEntry) error) error {
	return s.replayLines(ledgerFile, func(raw []byte) error {
		var e LedgerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		return f(e)
	})
}

// LedgerEntries reads the whole ledger into memory in append order.
func (s *Store) LedgerEntries() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.ReplayLedger(func(e LedgerEntry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// SpentSince sums the authorizations issued at or after t with exact
// arithmetic. The budget gate uses it for the trailing-window check,
// which the day-bucketed index is too coarse for.
func (s *Store) SpentSince(t time.Time) (*uint256.Int, error) {
	total := new(uint256.Int)
	err := s.ReplayLedger(func(e LedgerEntry) error {
		if e.At.Before(t) || e.Authorization.Value == nil {
			return nil
		}
		total.Add(total, e.Authorization.Value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// SpentOn returns the total of authorizations issued on the given UTC
// day, in the token's smallest unit.
func (s *Store) SpentOn(day string) (uint64, error) {
	raw, err := s.kv.Get(spendKey(day))
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	case len(raw) != 8:
		return 0, fmt.Errorf("spend total for %s: bad length %d", day, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// DayKey formats t as the UTC day string spend totals are keyed by.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ensureIndex rebuilds the derived index when the version key is missing
// or stale.
func (s *Store) ensureIndex() error {
	v, err := s.kv.Get(SYSVersion.Bytes())
	if err == nil && len(v) == 1 && v[0] == indexVersion {
		return nil
	}
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("read index version: %w", err)
	}
	return s.rebuildIndex()
}

// rebuildIndex replays ledger.jsonl into a fresh replay set and fresh
// spend totals. Publication marks are a cache over marketplace state and
// start empty after a rebuild; the seller plan re-derives them from
// Browse before publishing.
func (s *Store) rebuildIndex() error {
	for _, p := range []KeyPrefix{IXNonce, IXSpend, IXPublished} {
		if err := s.clearPrefix(p); err != nil {
			return err
		}
	}
	n := 0
	err := s.ReplayLedger(func(e LedgerEntry) error {
		n++
		return s.indexAuthorization(e)
	})
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	if err := s.kv.Put(SYSVersion.Bytes(), []byte{indexVersion}); err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("index rebuilt from ledger", zap.Int("entries", n))
	}
	return nil
}

func (s *Store) indexAuthorization(e LedgerEntry) error {
	if err := s.kv.Put(nonceKey(e.Authorization.From, e.Authorization.Nonce), []byte{1}); err != nil {
		return err
	}
	return s.addSpend(DayKey(e.At), e.Authorization.Value)
}

func (s *Store) addSpend(day string, value *uint256.Int) error {
	key := spendKey(day)
	var total uint64
	raw, err := s.kv.Get(key)
	switch {
	case err == nil && len(raw) == 8:
		total = binary.BigEndian.Uint64(raw)
	case err != nil && !errors.Is(err, ErrKeyNotFound):
		return err
	}
	switch {
	case value == nil:
	case value.IsUint64() && total <= math.MaxUint64-value.Uint64():
		total += value.Uint64()
	default:
		// Saturate. Any total past uint64 already exceeds every budget.
		total = math.MaxUint64
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], total)
	return s.kv.Put(key, buf[:])
}

func (s *Store) clearPrefix(p KeyPrefix) error {
	var keys [][]byte
	s.kv.Seek(p.Bytes(), func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	for _, k := range keys {
		if err := s.kv.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func nonceKey(from common.Address, nonce [32]byte) []byte {
	k := make([]byte, 0, 1+common.AddressLength+32)
	k = append(k, byte(IXNonce))
	k = append(k, from.Bytes()...)
	return append(k, nonce[:]...)
}

func spendKey(day string) []byte {
	return append(IXSpend.Bytes(), day...)
}

func publishedKey(product string) []byte {
	return append(IXPublished.Bytes(), product...)
}
