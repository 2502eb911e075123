package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/stretchr/testify/require"
)

// sellerWithApprovedSale builds a seller whose catalog listing sits at
// approved, waiting for the buyer's off-market settlement.
func sellerWithApprovedSale(t *testing.T, env *testEnv) (*Agent, uuid.UUID) {
	a := env.agent(t, env.config(t, "emma", "seller", sellerKeyHex, func(c *config.Config) {
		c.ApplicationConfiguration.Catalog = weatherCatalog()
	}))
	id := uuid.New()
	require.NoError(t, a.st.SaveEscrow(id, escrow.Record{
		TaskID:           id,
		Role:             escrow.RolePublisher,
		Direction:        escrow.DirIncoming,
		Product:          "weather-hourly",
		Title:            "weather-hourly",
		Counterparty:     buyerAddr,
		Bounty:           12500,
		EvidenceRequired: []market.Kind{market.KindJSONResponse},
		State:            market.StateApproved,
		SubmissionID:     "sub-1",
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}))
	require.NoError(t, a.st.MarkPublished("weather-hourly", id))
	return a, id
}

// TestSellerConfirmsDeal covers the channel-driven settlement
// confirmation: deals naming someone else are ignored, deals naming this
// seller by address or nick settle the listing and relist the product.
func TestSellerConfirmsDeal(t *testing.T) {
	deal := func(seller string) []chat.Message {
		return []chat.Message{{Sender: "ted", Line: chat.Deal{
			Buyer:   "ted",
			Seller:  seller,
			Product: "weather-hourly",
			Price:   "0.0125",
		}.Line()}}
	}

	t.Run("foreign seller ignored", func(t *testing.T) {
		env := newTestEnv(t)
		a, id := sellerWithApprovedSale(t, env)
		sum := &Summary{}
		require.NoError(t, a.plan.Run(context.Background(), deal(otherAddr.Hex()), sum))
		require.Zero(t, sum.Settled)
		require.Equal(t, market.StateApproved, loadRecord(t, a, id).State)
		published, ok, err := a.st.PublishedTask("weather-hourly")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id, published)
	})

	t.Run("by address", func(t *testing.T) {
		env := newTestEnv(t)
		a, id := sellerWithApprovedSale(t, env)
		sum := &Summary{}
		lower := strings.ToLower(sellerAddr.Hex())
		require.NoError(t, a.plan.Run(context.Background(), deal(lower), sum))
		require.EqualValues(t, 1, sum.Settled)
		require.Equal(t, market.StateSettled, loadRecord(t, a, id).State)

		// The slot is free again, so the same pass relists the product.
		require.EqualValues(t, 1, sum.Published)
		published, ok, err := a.st.PublishedTask("weather-hourly")
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEqual(t, id, published)
	})

	t.Run("by nick", func(t *testing.T) {
		env := newTestEnv(t)
		a, id := sellerWithApprovedSale(t, env)
		sum := &Summary{}
		require.NoError(t, a.plan.Run(context.Background(), deal(a.nick), sum))
		require.EqualValues(t, 1, sum.Settled)
		require.Equal(t, market.StateSettled, loadRecord(t, a, id).State)
	})
}

// TestSellerRejectsShortEvidence drives a purchase whose submission
// misses the required kind: the seller rejects locally, never calls the
// marketplace approval and relists in the same tick.
func TestSellerRejectsShortEvidence(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, env.config(t, "emma", "seller", sellerKeyHex, func(c *config.Config) {
		c.ApplicationConfiguration.Catalog = weatherCatalog()
	}))

	a.tick()
	listing := taskByTitle(t, env.fm, "weather-hourly")
	_, err := env.fm.Client(t, buyerAddr).Apply(context.Background(), listing.ID, "buying")
	require.NoError(t, err)

	a.tick()
	snap, _ := env.fm.Snapshot(listing.ID)
	require.Equal(t, market.StateAssigned, snap.State)

	env.fm.InjectSubmission(listing.ID, buyerAddr, market.Evidence{
		market.KindTextResponse: "trust me",
	})
	a.tick()

	require.Equal(t, market.StateRejected, loadRecord(t, a, listing.ID).State)
	require.Zero(t, env.fm.ApproveHits.Load())
	hb := lastHeartbeat(t, a)
	require.Contains(t, hb.Detail, "rejected=1")
	require.Contains(t, hb.Detail, "rejected purchase of weather-hourly: evidence incomplete")
	require.Contains(t, hb.Detail, "published=1")

	published, ok, err := a.st.PublishedTask("weather-hourly")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, listing.ID, published)
}
