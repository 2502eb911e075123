package agent

import (
	"context"

	"github.com/karmacadabra/karma-go/pkg/chat"
)

// maxCommunityBuys bounds how many new requests one tick opens.
const maxCommunityBuys = 2

// communityPlan is the patron role: it watches the channel and buys
// advertised products it has never bought, budget permitting. No supply
// chain, no resale; it exists to keep small sellers liquid.
type communityPlan struct {
	a    *Agent
	flow publisherFlow
}

func newCommunityPlan(a *Agent) *communityPlan {
	return &communityPlan{a: a, flow: publisherFlow{a: a}}
}

// Name implements Plan.
func (p *communityPlan) Name() string { return string(RoleCommunityBuyer) }

// Run implements Plan.
func (p *communityPlan) Run(ctx context.Context, mail []chat.Message, sum *Summary) error {
	report := p.flow.advance(ctx, sum)
	for _, out := range report.Settled {
		p.a.announce(chat.Deal{
			Buyer:   p.a.nick,
			Seller:  out.Counterparty.Hex(),
			Product: out.Product,
			Price:   p.a.amount(out.Bounty),
		}, sum)
		p.a.noteGoodPeer(out.Counterparty)
	}

	opened := 0
	tried := make(map[string]bool)
	for _, msg := range mail {
		if sum.blocked(ctx) || opened >= maxCommunityBuys {
			break
		}
		ann, ok := chat.ParseLine(msg.Line)
		if !ok {
			continue
		}
		have, ok := ann.(chat.Have)
		if !ok || tried[have.Product] || report.InFlight[have.Product] {
			continue
		}
		tried[have.Product] = true
		if p.owned(have.Product, sum) {
			continue
		}
		before := sum.Published
		p.flow.publishRequest(ctx, have.Product, sum)
		if sum.Published > before {
			opened++
		}
	}
	return nil
}

// owned reports whether the product was already bought once. The patron
// samples the market, it does not stockpile.
func (p *communityPlan) owned(product string, sum *Summary) bool {
	ids, err := p.a.st.Purchases(product)
	if err != nil {
		sum.Fail("list purchases", err)
		return true
	}
	return len(ids) > 0
}
