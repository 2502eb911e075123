package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/stretchr/testify/require"
)

func TestSummaryString(t *testing.T) {
	s := &Summary{}
	require.Equal(t, "idle", s.String())

	s.Published = 2
	s.Settled = 1
	s.Note("cycle %d complete", 1)
	s.Fail("browse", errors.New("boom"))
	require.Equal(t, "published=2 settled=1 errors=1 cycle 1 complete", s.String())
}

func TestSummaryFail(t *testing.T) {
	t.Run("schema rejections counted", func(t *testing.T) {
		s := &Summary{}
		s.Fail("publish", fmt.Errorf("create: %w", market.ErrSchema))
		require.Equal(t, 1, s.schema)
		require.Nil(t, s.Invariant)
		require.Len(t, s.Errors, 1)
	})

	t.Run("first lifecycle violation latches", func(t *testing.T) {
		s := &Summary{}
		s.Fail("assign", fmt.Errorf("assigned from %s: %w", market.StateSettled, escrow.ErrTransition))
		s.Fail("approve", fmt.Errorf("approve: %w", escrow.ErrTransition))
		require.ErrorIs(t, s.Invariant, escrow.ErrTransition)
		require.ErrorContains(t, s.Invariant, "assign")
		require.NotContains(t, s.Invariant.Error(), "approve")
		require.Len(t, s.Errors, 2)
	})

	t.Run("transient errors do not latch", func(t *testing.T) {
		s := &Summary{}
		s.Fail("reconcile", errors.New("connection refused"))
		require.Nil(t, s.Invariant)
		require.False(t, s.blocked(context.Background()))
	})
}

func TestSummaryBlocked(t *testing.T) {
	s := &Summary{}
	ctx, cancel := context.WithCancel(context.Background())
	require.False(t, s.blocked(ctx))

	cancel()
	require.True(t, s.blocked(ctx))

	s = &Summary{Invariant: escrow.ErrTransition}
	require.True(t, s.blocked(context.Background()))
}
