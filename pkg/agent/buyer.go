package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/supply"
)

// buyerPlan walks the configured supply chain in order: one request task
// for the next missing product, settle, advance, repeat. Purchased
// artifacts land in the store keyed by product and task.
type buyerPlan struct {
	a       *Agent
	flow    publisherFlow
	tracker *supply.Tracker
}

func newBuyerPlan(a *Agent) (*buyerPlan, error) {
	if a.tracker == nil {
		return nil, fmt.Errorf("buyer role requires a supply chain")
	}
	return &buyerPlan{
		a:       a,
		flow:    publisherFlow{a: a},
		tracker: a.tracker,
	}, nil
}

// Name implements Plan.
func (p *buyerPlan) Name() string { return string(RoleBuyer) }

// Run implements Plan.
func (p *buyerPlan) Run(ctx context.Context, _ []chat.Message, sum *Summary) error {
	report := p.flow.advance(ctx, sum)
	p.absorb(ctx, report.Settled, sum)

	next, ok := p.tracker.Next()
	if !ok {
		sum.Note("cycle %d complete", p.tracker.State().Cycle)
		return nil
	}
	if !report.InFlight[next] {
		p.flow.publishRequest(ctx, next, sum)
	}
	return nil
}

// absorb advances the chain for every settlement and broadcasts the
// deal. Settlement order equals chain order because only the next
// missing product ever has a live request.
func (p *buyerPlan) absorb(ctx context.Context, settled []purchaseOutcome, sum *Summary) {
	for _, out := range settled {
		if err := p.tracker.Advance(out.Product); err != nil {
			if errors.Is(err, supply.ErrOutOfOrder) {
				sum.Note("settled %s outside chain order", out.Product)
			} else {
				sum.Fail("advance chain", err)
			}
		}
		p.a.announce(chat.Deal{
			Buyer:   p.a.nick,
			Seller:  out.Counterparty.Hex(),
			Product: out.Product,
			Price:   p.a.amount(out.Bounty),
		}, sum)
		p.a.noteGoodPeer(out.Counterparty)
	}
}
