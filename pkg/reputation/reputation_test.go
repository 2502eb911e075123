package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

var (
	peerA = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	peerB = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	self  = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
)

type stubSource struct {
	mu    sync.Mutex
	layer Layer
	err   error
	calls int
}

func (s *stubSource) Layer(context.Context, common.Address) (Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.layer, s.err
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestTierOf(t *testing.T) {
	for _, tc := range []struct {
		score float64
		want  Tier
	}{
		{0, TierUntrusted},
		{24.9, TierUntrusted},
		{25, TierNovice},
		{49.9, TierNovice},
		{50, TierEstablished},
		{74.9, TierEstablished},
		{75, TierTrusted},
		{89.9, TierTrusted},
		{90, TierElite},
		{100, TierElite},
	} {
		require.Equal(t, tc.want, TierOf(tc.score), "score %v", tc.score)
	}
}

func TestCompose(t *testing.T) {
	// Weighted mean: (80*0.8 + 40*0.2) / 1.0 = 72, confidence (0.8+0.2)/2.
	score, conf := Compose(
		Layer{Score: 80, Confidence: 0.8, Available: true},
		Layer{Score: 40, Confidence: 0.2, Available: true},
		Layer{Score: 0, Confidence: 1, Available: false},
	)
	require.InDelta(t, 72.0, score, 1e-9)
	require.InDelta(t, 0.5, conf, 1e-9)

	// Nothing available is neutral.
	score, conf = Compose(Layer{}, Layer{}, Layer{})
	require.Equal(t, NeutralScore, score)
	require.Zero(t, conf)

	// Available layers with zero confidence carry no information either.
	score, conf = Compose(Layer{Score: 90, Available: true})
	require.Equal(t, NeutralScore, score)
	require.Zero(t, conf)
}

func TestComposeBounds(t *testing.T) {
	layerGen := rapid.Custom(func(rt *rapid.T) Layer {
		return Layer{
			Score:      rapid.Float64Range(0, 100).Draw(rt, "score"),
			Confidence: rapid.Float64Range(0, 1).Draw(rt, "confidence"),
			Available:  rapid.Bool().Draw(rt, "available"),
		}
	})
	rapid.Check(t, func(rt *rapid.T) {
		layers := rapid.SliceOfN(layerGen, 0, 5).Draw(rt, "layers")
		score, conf := Compose(layers...)
		require.GreaterOrEqual(rt, score, 0.0)
		require.LessOrEqual(rt, score, 100.0)
		require.GreaterOrEqual(rt, conf, 0.0)
		require.LessOrEqual(rt, conf, 1.0)

		// The weighted mean can never leave the hull of its inputs.
		lo, hi := 100.0, 0.0
		informative := false
		for _, l := range layers {
			if !l.Available || l.Confidence == 0 {
				continue
			}
			informative = true
			if l.Score < lo {
				lo = l.Score
			}
			if l.Score > hi {
				hi = l.Score
			}
		}
		if informative {
			require.GreaterOrEqual(rt, score, lo-1e-9)
			require.LessOrEqual(rt, score, hi+1e-9)
		} else {
			require.Equal(rt, NeutralScore, score)
		}
	})
}

func TestOffChainSource(t *testing.T) {
	ctx := context.Background()
	src := NewOffChainSource()

	l, err := src.Layer(ctx, peerA)
	require.NoError(t, err)
	require.False(t, l.Available)

	// Activity alone: capped score, growing confidence.
	for i := 0; i < 40; i++ {
		src.NoteActivity(peerA)
	}
	l, err = src.Layer(ctx, peerA)
	require.NoError(t, err)
	require.True(t, l.Available)
	require.Equal(t, activityCeiling, l.Score)
	require.Greater(t, l.Confidence, 0.5)

	// Ratings take over the score once present.
	src.NotePeerRating(peerA, 90)
	src.NotePeerRating(peerA, 100)
	l, err = src.Layer(ctx, peerA)
	require.NoError(t, err)
	require.InDelta(t, 95.0, l.Score, 1e-9)

	// Out-of-range ratings are clamped.
	src.NotePeerRating(peerB, 150)
	l, err = src.Layer(ctx, peerB)
	require.NoError(t, err)
	require.Equal(t, 100.0, l.Score)
}

func terminalRecord(counterparty common.Address, state market.State) escrow.Record {
	now := time.Now().UTC()
	return escrow.Record{
		TaskID:       uuid.New(),
		Role:         escrow.RolePublisher,
		Direction:    escrow.DirOutgoing,
		Counterparty: counterparty,
		Bounty:       10_000,
		State:        state,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestTransactionalSource(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(t.TempDir(), config.DBConfiguration{Type: "inmemory"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer st.Close()

	src := &TransactionalSource{Store: st, Owner: self}

	l, err := src.Layer(ctx, peerA)
	require.NoError(t, err)
	require.False(t, l.Available)

	for _, rec := range []escrow.Record{
		terminalRecord(peerA, market.StateSettled),
		terminalRecord(peerA, market.StateSettled),
		terminalRecord(peerA, market.StateSettled),
		terminalRecord(peerA, market.StateRejected),
		terminalRecord(peerA, market.StateAssigned), // in flight, not counted
		terminalRecord(peerB, market.StateExpired),
	} {
		require.NoError(t, st.SaveEscrow(rec.TaskID, rec))
	}

	l, err = src.Layer(ctx, peerA)
	require.NoError(t, err)
	require.True(t, l.Available)
	require.InDelta(t, 75.0, l.Score, 1e-9) // 3 settled of 4 terminal
	require.InDelta(t, 4.0/9.0, l.Confidence, 1e-9)

	// The owner's own layer folds in every terminal record.
	l, err = src.Layer(ctx, self)
	require.NoError(t, err)
	require.True(t, l.Available)
	require.InDelta(t, 60.0, l.Score, 1e-9) // 3 settled of 5 terminal
}

func TestServiceCachesSnapshots(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{layer: Layer{Score: 80, Confidence: 0.5, Available: true}}
	svc, err := NewService(Config{
		Transactional: src,
		Log:           zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	snap := svc.Snapshot(ctx, peerA)
	require.Equal(t, 80.0, snap.Composite)
	require.Equal(t, TierTrusted, snap.Tier)
	require.Equal(t, 1, src.callCount())
	require.False(t, snap.OnChain.Available)
	require.False(t, snap.OffChain.Available)

	// Second read is served from cache.
	_ = svc.Snapshot(ctx, peerA)
	require.Equal(t, 1, src.callCount())

	// Refresh always recomputes.
	_ = svc.Refresh(ctx, peerA)
	require.Equal(t, 2, src.callCount())

	require.Equal(t, 80.0, svc.Score(ctx, peerA))
}

func TestServiceDegradesOnSourceError(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(Config{
		OnChain:       &stubSource{err: errors.New("rpc down")},
		Transactional: &stubSource{layer: Layer{Score: 100, Confidence: 1, Available: true}},
		Log:           zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	snap := svc.Snapshot(ctx, peerA)
	require.False(t, snap.OnChain.Available)
	require.True(t, snap.Transactional.Available)
	require.Equal(t, 100.0, snap.Composite)
	require.Equal(t, TierElite, snap.Tier)
}

func TestServiceNoSourcesIsNeutral(t *testing.T) {
	svc, err := NewService(Config{Log: zaptest.NewLogger(t)})
	require.NoError(t, err)

	snap := svc.Snapshot(context.Background(), peerA)
	require.Equal(t, NeutralScore, snap.Composite)
	require.Zero(t, snap.Confidence)
	require.Equal(t, TierEstablished, snap.Tier)
}

type memHistory struct {
	mu    sync.Mutex
	lines []any
}

func (h *memHistory) AppendReputation(v any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, v)
	return nil
}

func TestRefreshAllFeedsHistory(t *testing.T) {
	hist := &memHistory{}
	svc, err := NewService(Config{
		Transactional: &stubSource{layer: Layer{Score: 60, Confidence: 0.4, Available: true}},
		History:       hist,
		Log:           zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, svc.RefreshAll(context.Background(), []common.Address{peerA, peerB}))

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Len(t, hist.lines, 2)
	require.ElementsMatch(t, []common.Address{peerA, peerB}, svc.Known())
}

func TestRefreshAllHonorsCancellation(t *testing.T) {
	svc, err := NewService(Config{Log: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	addrs := make([]common.Address, 64)
	err = svc.RefreshAll(ctx, addrs)
	require.ErrorIs(t, err, context.Canceled)
}
