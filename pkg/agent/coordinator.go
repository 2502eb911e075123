package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/market"
)

// staleAfter is how long an advertisement or a peer sighting stays in
// the coordinator's table.
const staleAfter = 15 * time.Minute

// offer is the freshest HAVE seen for one product.
type offer struct {
	seller string
	price  string
	at     time.Time
}

// coordinatorPlan watches the channel, pairs NEEDs with remembered
// HAVEs and broadcasts routing hints plus a health line. It never
// drives the escrow lifecycle; everything it emits is advisory and
// every peer stays free to ignore it.
type coordinatorPlan struct {
	a      *Agent
	offers map[string]offer
	seen   map[string]time.Time
}

func newCoordinatorPlan(a *Agent) *coordinatorPlan {
	return &coordinatorPlan{
		a:      a,
		offers: make(map[string]offer),
		seen:   make(map[string]time.Time),
	}
}

// Name implements Plan.
func (p *coordinatorPlan) Name() string { return string(RoleCoordinator) }

// Run implements Plan.
func (p *coordinatorPlan) Run(ctx context.Context, mail []chat.Message, sum *Summary) error {
	now := p.a.clock()
	p.digest(now, mail, sum)
	p.expire(now)

	open := -1
	if tasks, err := p.a.mkt.Browse(ctx, market.Filter{Limit: browseLimit}); err != nil {
		sum.Fail("browse", err)
	} else {
		open = len(tasks)
	}
	p.health(open, sum)
	return nil
}

// digest folds the tick's mail into the tables and routes every NEED
// with a known matching offer.
func (p *coordinatorPlan) digest(now time.Time, mail []chat.Message, sum *Summary) {
	for _, msg := range mail {
		if msg.Sender != "" {
			p.seen[msg.Sender] = now
		}
		ann, ok := chat.ParseLine(msg.Line)
		if !ok {
			continue
		}
		switch v := ann.(type) {
		case chat.Have:
			p.offers[v.Product] = offer{seller: msg.Sender, price: v.Price, at: now}
		case chat.Need:
			o, ok := p.offers[v.Product]
			if !ok || o.seller == "" || o.seller == msg.Sender {
				continue
			}
			p.a.announce(chat.Route{
				Buyer:   msg.Sender,
				Seller:  o.seller,
				Product: v.Product,
			}, sum)
			sum.Routed++
		}
	}
}

func (p *coordinatorPlan) expire(now time.Time) {
	for product, o := range p.offers {
		if now.Sub(o.at) > staleAfter {
			delete(p.offers, product)
		}
	}
	for peer, at := range p.seen {
		if now.Sub(at) > staleAfter {
			delete(p.seen, peer)
		}
	}
}

// health broadcasts the coordinator's view of the swarm. The line is
// free-form chatter, not part of the announcement protocol.
func (p *coordinatorPlan) health(openTasks int, sum *Summary) {
	if p.a.chat == nil {
		return
	}
	line := fmt.Sprintf("HEALTH: %d peers, %d offers", len(p.seen), len(p.offers))
	if openTasks >= 0 {
		line = fmt.Sprintf("%s, %d open tasks", line, openTasks)
	}
	if p.a.chat.Send(p.a.chat.Channel(), line) {
		sum.Announced++
	}
}
