package store

import (
	"crypto/rand"
	"encoding/json"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	testFrom = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testTo   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), config.DBConfiguration{Type: "inmemory"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(at time.Time, value uint64) LedgerEntry {
	var nonce [32]byte
	_, _ = rand.Read(nonce[:])
	return LedgerEntry{
		At:      at,
		TaskID:  uuid.New(),
		Product: "weather-data",
		Authorization: payment.Authorization{
			From:        testFrom,
			To:          testTo,
			Value:       uint256.NewInt(value),
			ValidBefore: uint64(at.Add(time.Hour).Unix()),
			Nonce:       nonce,
			V:           27,
		},
	}
}

func TestOpenLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	s, err := Open(dir, config.DBConfiguration{Type: "inmemory"}, log)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, config.DBConfiguration{Type: "inmemory"}, log)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Close())
	s2, err := Open(dir, config.DBConfiguration{Type: "inmemory"}, log)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(t.TempDir(), config.DBConfiguration{Type: "redis"}, zaptest.NewLogger(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown index backend")
}

func TestAgentRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadAgent()
	require.ErrorIs(t, err, fs.ErrNotExist)

	rec := AgentRecord{
		Name:            "karma-hello",
		Address:         testFrom,
		RegistryID:      7,
		Role:            "seller",
		DerivationIndex: 3,
	}
	require.NoError(t, s.SaveAgent(rec))

	got, err := s.LoadAgent()
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestObserveNonce(t *testing.T) {
	s := newTestStore(t)
	var nonce [32]byte
	nonce[0] = 0xaa

	seen, err := s.SeenNonce(testFrom, nonce)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.ObserveNonce(testFrom, nonce))

	err = s.ObserveNonce(testFrom, nonce)
	require.ErrorIs(t, err, payment.ErrNonceReplayed)

	seen, err = s.SeenNonce(testFrom, nonce)
	require.NoError(t, err)
	require.True(t, seen)

	// The same nonce under another address is a distinct key.
	require.NoError(t, s.ObserveNonce(testTo, nonce))
}

func TestAppendAuthorizationTracksDaySpend(t *testing.T) {
	s := newTestStore(t)
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	require.NoError(t, s.AppendAuthorization(testEntry(day1, 10_000)))
	require.NoError(t, s.AppendAuthorization(testEntry(day1, 2_500)))
	require.NoError(t, s.AppendAuthorization(testEntry(day2, 40_000)))

	got, err := s.SpentOn(DayKey(day1))
	require.NoError(t, err)
	require.EqualValues(t, 12_500, got)

	got, err = s.SpentOn(DayKey(day2))
	require.NoError(t, err)
	require.EqualValues(t, 40_000, got)

	got, err = s.SpentOn("2026-03-03")
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestSpendSaturates(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	e := testEntry(at, 0)
	e.Authorization.Value = new(uint256.Int).Lsh(uint256.NewInt(1), 70)
	require.NoError(t, s.AppendAuthorization(e))

	got, err := s.SpentOn(DayKey(at))
	require.NoError(t, err)
	require.EqualValues(t, uint64(math.MaxUint64), got)
}

func TestSpentSince(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendAuthorization(testEntry(now.Add(-30*time.Hour), 1_000_000)))
	require.NoError(t, s.AppendAuthorization(testEntry(now.Add(-23*time.Hour), 10_000)))
	require.NoError(t, s.AppendAuthorization(testEntry(now.Add(-time.Minute), 2_500)))

	// Only the entries inside the window count, regardless of day buckets.
	got, err := s.SpentSince(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.True(t, uint256.NewInt(12_500).Eq(got), got.String())

	got, err = s.SpentSince(now)
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestReplayLedger(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	want := []LedgerEntry{testEntry(at, 1), testEntry(at.Add(time.Minute), 2), testEntry(at.Add(2*time.Minute), 3)}
	for _, e := range want {
		require.NoError(t, s.AppendAuthorization(e))
	}

	var got []LedgerEntry
	require.NoError(t, s.ReplayLedger(func(e LedgerEntry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	for i := range want {
		require.Equal(t, want[i].TaskID, got[i].TaskID)
		require.Equal(t, want[i].Authorization.Nonce, got[i].Authorization.Nonce)
		require.True(t, want[i].Authorization.Value.Eq(got[i].Authorization.Value))
	}
}

func TestIndexRebuild(t *testing.T) {
	dir := t.TempDir()
	log := zaptest.NewLogger(t)
	db := config.DBConfiguration{Type: "boltdb"}

	s, err := Open(dir, db, log)
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := testEntry(at, 10_000)
	require.NoError(t, s.AppendAuthorization(e))
	require.NoError(t, s.MarkPublished("weather-data", uuid.New()))
	require.NoError(t, s.Close())

	// Losing the index must not lose ledger-derived state.
	require.NoError(t, os.Remove(filepath.Join(dir, "index.bolt")))

	s, err = Open(dir, db, log)
	require.NoError(t, err)
	defer s.Close()

	seen, err := s.SeenNonce(e.Authorization.From, e.Authorization.Nonce)
	require.NoError(t, err)
	require.True(t, seen)

	spent, err := s.SpentOn(DayKey(at))
	require.NoError(t, err)
	require.EqualValues(t, 10_000, spent)

	// Publication marks are cache and start empty after a rebuild.
	_, ok, err := s.PublishedTask("weather-data")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEscrowFiles(t *testing.T) {
	s := newTestStore(t)
	type rec struct {
		State string `json:"state"`
		Note  string `json:"note"`
	}

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	for i, id := range ids {
		require.NoError(t, s.SaveEscrow(id, rec{State: "PUBLISHED", Note: string(rune('a' + i))}))
	}
	require.True(t, s.HasEscrow(ids[0]))
	require.False(t, s.HasEscrow(uuid.New()))

	var got rec
	require.NoError(t, s.LoadEscrow(ids[1], &got))
	require.Equal(t, "b", got.Note)

	listed, err := s.EscrowIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, ids, listed)
}

func TestPurchases(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	blob := []byte(`{"temperature":21.5}`)

	require.NoError(t, s.SavePurchase("weather/data:raw", id, blob))

	got, err := s.LoadPurchase("weather/data:raw", id)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	ids, err := s.Purchases("weather/data:raw")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, ids)

	none, err := s.Purchases("never-bought")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPublishedMark(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	_, ok, err := s.PublishedTask("weather-data")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkPublished("weather-data", id))
	got, ok, err := s.PublishedTask("weather-data")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)

	require.NoError(t, s.ClearPublished("weather-data"))
	_, ok, err = s.PublishedTask("weather-data")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHeartbeatLog(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.LastHeartbeat()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.AppendHeartbeat(HeartbeatRecord{Agent: "karma-hello", Step: 1, Action: "tick", Status: HeartbeatOK}))
	require.NoError(t, s.AppendHeartbeat(HeartbeatRecord{Agent: "karma-hello", Step: 2, Action: "tick", Status: HeartbeatError, Err: "marketplace unreachable"}))

	last, found, err := s.LastHeartbeat()
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, last.Step)
	require.Equal(t, HeartbeatError, last.Status)
	require.False(t, last.At.IsZero())
}

func TestReputationLog(t *testing.T) {
	s := newTestStore(t)
	type snap struct {
		Agent string  `json:"agent"`
		Score float64 `json:"score"`
	}

	require.NoError(t, s.AppendReputation(snap{Agent: "karma-hello", Score: 72.5}))
	require.NoError(t, s.AppendReputation(snap{Agent: "karma-hello", Score: 74.0}))

	var got []snap
	require.NoError(t, s.ReplayReputation(func(raw []byte) error {
		var v snap
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		got = append(got, v)
		return nil
	}))
	require.Equal(t, []snap{{Agent: "karma-hello", Score: 72.5}, {Agent: "karma-hello", Score: 74.0}}, got)
}

func TestStateSummary(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteStateSummary("# karma-hello\n\nlast tick ok\n"))
	require.NoError(t, s.WriteStateSummary("# karma-hello\n\nlast tick failed\n"))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "state.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "last tick failed")

	// No temp residue after the rename.
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".state.md.tmp-"), e.Name())
	}
}
