package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
)

// Plan is one role's per-tick behavior. Run does a short, bounded unit
// of work: it may suspend on marketplace calls, chain reads and chat,
// and it must honor ctx, which carries the tick deadline. mail holds
// the channel lines received since the previous tick.
type Plan interface {
	Name() string
	Run(ctx context.Context, mail []chat.Message, sum *Summary) error
}

// Summary accumulates what one tick did. It feeds the heartbeat record
// and the state.md mirror.
type Summary struct {
	Published   int
	Applied     int
	Assigned    int
	Submitted   int
	Approved    int
	Settled     int
	Rejected    int
	Expired     int
	Purchases   int
	Transformed int
	Validated   int
	Routed      int
	Announced   int

	Notes  []string
	Errors []string

	// Invariant holds the first lifecycle violation seen this tick.
	// The tick aborts and heartbeats as an error when it is set.
	Invariant error

	schema int
}

// Note records a human-readable remark for the heartbeat detail.
func (s *Summary) Note(format string, args ...any) {
	s.Notes = append(s.Notes, fmt.Sprintf(format, args...))
}

// Fail records a stage error. Schema rejections are counted separately
// because a streak of them across ticks wedges the agent (exit code 2),
// and lifecycle violations are latched to abort the tick.
func (s *Summary) Fail(stage string, err error) {
	if errors.Is(err, market.ErrSchema) {
		s.schema++
	}
	if errors.Is(err, escrow.ErrTransition) && s.Invariant == nil {
		s.Invariant = fmt.Errorf("%s: %w", stage, err)
	}
	s.Errors = append(s.Errors, stage+": "+err.Error())
}

// blocked reports whether the tick should stop walking records.
func (s *Summary) blocked(ctx context.Context) bool {
	return ctx.Err() != nil || s.Invariant != nil
}

// String renders the non-zero counters compactly.
func (s *Summary) String() string {
	var parts []string
	add := func(name string, n int) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", name, n))
		}
	}
	add("published", s.Published)
	add("applied", s.Applied)
	add("assigned", s.Assigned)
	add("submitted", s.Submitted)
	add("approved", s.Approved)
	add("settled", s.Settled)
	add("rejected", s.Rejected)
	add("expired", s.Expired)
	add("purchases", s.Purchases)
	add("transformed", s.Transformed)
	add("validated", s.Validated)
	add("routed", s.Routed)
	add("announced", s.Announced)
	add("errors", len(s.Errors))
	parts = append(parts, s.Notes...)
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, " ")
}
