package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/karmacadabra/karma-go/internal/fakemarket"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"github.com/karmacadabra/karma-go/pkg/store"
	"github.com/karmacadabra/karma-go/pkg/supply"
	"github.com/stretchr/testify/require"
)

func buyerConfig(t *testing.T, env *testEnv, chain []string) config.Config {
	return env.config(t, "ted", "buyer", buyerKeyHex, func(c *config.Config) {
		app := &c.ApplicationConfiguration
		app.SupplyChain = chain
		app.DailyBudget = "1.00"
		app.RequestBounty = "0.01"
	})
}

// TestSupplyChainAcrossTicks walks a two-product chain: each link is
// requested only after the previous one settled, a settlement and the
// next request share a tick, and a rollover starts cycle two from the
// top of the chain.
func TestSupplyChainAcrossTicks(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, buyerConfig(t, env, []string{"raw-logs", "chat-analysis"}))
	ctx := context.Background()
	ev := market.Evidence{market.KindJSONResponse: map[string]any{"lines": 420}}

	// Tick 1 requests only the first link.
	a.tick()
	require.Len(t, env.fm.Tasks(), 1)
	first := taskByTitle(t, env.fm, market.RequestTitlePrefix+"raw-logs")

	_, err := env.fm.Client(t, sellerAddr).Apply(ctx, first.ID, "raw logs coming up")
	require.NoError(t, err)

	// Tick 2 assigns; the incumbent link keeps the next one unpublished.
	a.tick()
	snap, _ := env.fm.Snapshot(first.ID)
	require.Equal(t, market.StateAssigned, snap.State)
	require.Len(t, env.fm.Tasks(), 1)

	env.fm.InjectSubmission(first.ID, sellerAddr, ev)

	// Tick 3 settles the first link and opens the second in the same
	// pass.
	a.tick()
	require.Equal(t, market.StateSettled, loadRecord(t, a, first.ID).State)
	require.Equal(t, supply.State{Step: 1, Cycle: 1}, a.tracker.State())
	second := taskByTitle(t, env.fm, market.RequestTitlePrefix+"chat-analysis")

	_, err = env.fm.Client(t, otherAddr).Apply(ctx, second.ID, "analysis ready")
	require.NoError(t, err)
	a.tick()
	env.fm.InjectSubmission(second.ID, otherAddr, ev)
	a.tick()

	require.True(t, a.tracker.Complete())
	require.Contains(t, lastHeartbeat(t, a).Detail, "cycle 1 complete")
	for _, c := range []struct {
		product string
		id      uuid.UUID
	}{{"raw-logs", first.ID}, {"chat-analysis", second.ID}} {
		blob, err := a.st.LoadPurchase(c.product, c.id)
		require.NoError(t, err)
		require.NotEmpty(t, blob)
	}
	entries, err := a.st.LedgerEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Len(t, env.ff.Bodies(), 2)

	// A completed chain idles until the cycle rolls over.
	a.tick()
	require.Len(t, env.fm.Tasks(), 2)

	a.rollover()
	require.Equal(t, 2, a.tracker.State().Cycle)
	a.tick()
	require.Len(t, env.fm.Tasks(), 3)
	var rawRequests int
	for _, task := range env.fm.Tasks() {
		if task.Title == market.RequestTitlePrefix+"raw-logs" {
			rawRequests++
		}
	}
	require.Equal(t, 2, rawRequests, "cycle two opens a fresh raw-logs request")
}

// TestBudgetHoldsSettlement seeds yesterday's spending close to the
// daily limit. The approved purchase stays held with a reason in the
// heartbeat until the trailing window slides past the old entries.
func TestBudgetHoldsSettlement(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, buyerConfig(t, env, []string{"raw-logs"}))
	base := time.Now().UTC()
	now := base
	a.now = func() time.Time { return now }

	require.NoError(t, a.st.AppendAuthorization(store.LedgerEntry{
		At:     base.Add(-time.Hour),
		TaskID: uuid.New(),
		Authorization: payment.Authorization{
			From:  buyerAddr,
			To:    otherAddr,
			Value: uint256.NewInt(995000),
		},
	}))

	// An approved purchase waiting only on settlement. The zero deadline
	// keeps it out of the expiry sweep.
	taskID := uuid.New()
	require.NoError(t, a.st.SaveEscrow(taskID, escrow.Record{
		TaskID:           taskID,
		Role:             escrow.RolePublisher,
		Direction:        escrow.DirOutgoing,
		Product:          "raw-logs",
		Title:            market.RequestTitlePrefix + "raw-logs",
		Counterparty:     sellerAddr,
		Bounty:           8000,
		EvidenceRequired: []market.Kind{market.KindJSONResponse},
		State:            market.StateApproved,
		SubmissionID:     "sub-1",
		CreatedAt:        base,
		UpdatedAt:        base,
	}))
	require.NoError(t, a.st.SavePurchase("raw-logs", taskID, []byte(`{"kept":true}`)))

	a.tick()
	require.Contains(t, lastHeartbeat(t, a).Detail,
		"hold raw-logs: value 8000 exceeds remaining budget 5000")
	require.Empty(t, env.ff.Bodies())
	require.Equal(t, market.StateApproved, loadRecord(t, a, taskID).State)

	// The live purchase also keeps the chain from requesting again.
	require.Empty(t, env.fm.Tasks())

	now = base.Add(25 * time.Hour)
	a.tick()
	rec := loadRecord(t, a, taskID)
	require.Equal(t, market.StateSettled, rec.State)
	require.Equal(t, fakemarket.SettleTx, rec.SettlementTx)
	require.Len(t, env.ff.Bodies(), 1)

	entries, err := a.st.LedgerEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	auth := entries[1].Authorization
	require.Equal(t, buyerAddr, auth.From)
	require.Equal(t, sellerAddr, auth.To)
	require.True(t, auth.Value.Eq(uint256.NewInt(8000)))
	require.Contains(t, lastHeartbeat(t, a).Detail, "settled=1")
}
