package agent

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/stretchr/testify/require"
)

func have(sender, product string) chat.Message {
	return chat.Message{Sender: sender, Line: chat.Have{
		Product:     product,
		Price:       "0.01",
		Description: "fresh off the agent",
	}.Line()}
}

// TestCommunityBuyerSamplesMarket feeds the same channel traffic to the
// patron three ticks in a row: duplicates and owned products are
// skipped, the per-tick cap defers the overflow to the next tick, and
// products already in flight are never re-bought.
func TestCommunityBuyerSamplesMarket(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, env.config(t, "pat", "community-buyer", buyerKeyHex, func(c *config.Config) {
		c.ApplicationConfiguration.DailyBudget = "1.00"
		c.ApplicationConfiguration.RequestBounty = "0.01"
	}))
	require.NoError(t, a.st.SavePurchase("soul-signature", uuid.New(), []byte(`{"clip":"…"}`)))

	mail := []chat.Message{
		have("emma", "raw-logs"),
		have("luis", "raw-logs"),
		have("emma", "soul-signature"),
		have("rex", "chat-analysis"),
		have("rex", "voice-profile"),
	}
	sum := &Summary{}
	require.NoError(t, a.plan.Run(context.Background(), mail, sum))
	require.EqualValues(t, 2, sum.Published)
	taskByTitle(t, env.fm, market.RequestTitlePrefix+"raw-logs")
	taskByTitle(t, env.fm, market.RequestTitlePrefix+"chat-analysis")
	require.Len(t, env.fm.Tasks(), 2, "the cap and the owned product keep the rest out")

	// The open requests are in flight now; only the offer the cap pushed
	// past last tick is picked up.
	sum = &Summary{}
	require.NoError(t, a.plan.Run(context.Background(), mail, sum))
	require.EqualValues(t, 1, sum.Published)
	taskByTitle(t, env.fm, market.RequestTitlePrefix+"voice-profile")
	require.Len(t, env.fm.Tasks(), 3)

	// Everything advertised is now in flight or owned.
	sum = &Summary{}
	require.NoError(t, a.plan.Run(context.Background(), mail, sum))
	require.Zero(t, sum.Published)
	require.Len(t, env.fm.Tasks(), 3)
}
