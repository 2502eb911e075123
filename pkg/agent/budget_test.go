package agent

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"github.com/karmacadabra/karma-go/pkg/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func seedSpend(t *testing.T, st *store.Store, at time.Time, units uint64) {
	t.Helper()
	require.NoError(t, st.AppendAuthorization(store.LedgerEntry{
		At:     at,
		TaskID: uuid.New(),
		Authorization: payment.Authorization{
			From:  buyerAddr,
			To:    sellerAddr,
			Value: uint256.NewInt(units),
		},
	}))
}

func newGate(t *testing.T, st *store.Store, daily, pause, bounty string) *Gate {
	t.Helper()
	g, err := NewGate(config.ApplicationConfiguration{
		DailyBudget:    daily,
		PauseThreshold: pause,
		RequestBounty:  bounty,
	}, 6, st, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestParseAmount(t *testing.T) {
	for _, tc := range []struct {
		in    string
		units uint64
		ok    bool
	}{
		{"", 0, true},
		{"0.01", 10000, true},
		{"1", 1000000, true},
		{"1.5", 1500000, true},
		{"0.000001", 1, true},
		{"0.0000001", 0, false},
		{"abc", 0, false},
		{"-1", 0, false},
	} {
		got, err := parseAmount(tc.in, 6)
		if !tc.ok {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.True(t, got.Eq(uint256.NewInt(tc.units)), "input %q: got %s", tc.in, got)
	}
}

func TestGateCanSpend(t *testing.T) {
	now := time.Now().UTC()

	t.Run("no budget configured", func(t *testing.T) {
		g := newGate(t, newTestStore(t), "", "", "0.01")
		ok, reason, err := g.CanSpend(now, uint256.NewInt(1))
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, "no daily budget configured", reason)
	})

	t.Run("inside the window", func(t *testing.T) {
		st := newTestStore(t)
		seedSpend(t, st, now.Add(-time.Hour), 200000)
		g := newGate(t, st, "1.00", "", "0.01")
		ok, reason, err := g.CanSpend(now, uint256.NewInt(700000))
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, reason)

		ok, reason, err = g.CanSpend(now, uint256.NewInt(900000))
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, "value 900000 exceeds remaining budget 800000", reason)
	})

	t.Run("window slides", func(t *testing.T) {
		st := newTestStore(t)
		seedSpend(t, st, now.Add(-23*time.Hour), 999999)
		g := newGate(t, st, "1.00", "", "0.01")
		ok, _, err := g.CanSpend(now, uint256.NewInt(10))
		require.NoError(t, err)
		require.False(t, ok)

		ok, _, err = g.CanSpend(now.Add(2*time.Hour), uint256.NewInt(10))
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("pause threshold", func(t *testing.T) {
		st := newTestStore(t)
		seedSpend(t, st, now.Add(-time.Hour), 600000)
		g := newGate(t, st, "1.00", "0.50", "0.01")
		ok, reason, err := g.CanSpend(now, uint256.NewInt(1))
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, "paused, remaining 400000 below threshold 500000", reason)
	})

	t.Run("overspend floors at zero", func(t *testing.T) {
		st := newTestStore(t)
		seedSpend(t, st, now.Add(-time.Hour), 1200000)
		g := newGate(t, st, "1.00", "", "0.01")
		rem, err := g.Remaining(now)
		require.NoError(t, err)
		require.True(t, rem.IsZero())
	})
}

func TestGateRequestBountyIsACopy(t *testing.T) {
	g := newGate(t, newTestStore(t), "1.00", "", "0.01")
	g.RequestBounty().SetUint64(999)
	require.True(t, g.RequestBounty().Eq(uint256.NewInt(10000)))
}

func TestNewGateErrors(t *testing.T) {
	st := newTestStore(t)
	log := zaptest.NewLogger(t)
	for _, tc := range []struct {
		app  config.ApplicationConfiguration
		want string
	}{
		{config.ApplicationConfiguration{DailyBudget: "x"}, "daily budget:"},
		{config.ApplicationConfiguration{PauseThreshold: "x"}, "pause threshold:"},
		{config.ApplicationConfiguration{RequestBounty: "x"}, "request bounty:"},
	} {
		_, err := NewGate(tc.app, 6, st, log)
		require.ErrorContains(t, err, tc.want)
	}
}
