package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
)

// sellerItem is one catalog entry with its price parsed to token units.
type sellerItem struct {
	product config.Product
	bounty  uint64
	kind    market.Kind
}

// sellerPlan keeps the catalog listed, applies to matching request
// tasks, serves assigned work and confirms settlements it hears about.
type sellerPlan struct {
	a     *Agent
	exec  executorFlow
	items []sellerItem
}

func newSellerPlan(a *Agent, producer Producer) (*sellerPlan, error) {
	if len(a.cfg.ApplicationConfiguration.Catalog) == 0 {
		return nil, fmt.Errorf("seller role requires a catalog")
	}
	items, err := parseCatalog(a)
	if err != nil {
		return nil, err
	}
	return &sellerPlan{
		a:     a,
		exec:  executorFlow{a: a, producer: producer},
		items: items,
	}, nil
}

func parseCatalog(a *Agent) ([]sellerItem, error) {
	catalog := a.cfg.ApplicationConfiguration.Catalog
	items := make([]sellerItem, 0, len(catalog))
	for _, p := range catalog {
		units, err := parseAmount(p.Price, a.decimals)
		if err != nil {
			return nil, fmt.Errorf("catalog %s price: %w", p.Name, err)
		}
		if !units.IsUint64() || units.IsZero() {
			return nil, fmt.Errorf("catalog %s price %s out of range", p.Name, p.Price)
		}
		items = append(items, sellerItem{
			product: p,
			bounty:  units.Uint64(),
			kind:    evidenceKind(p.Evidence),
		})
	}
	return items, nil
}

// Name implements Plan.
func (p *sellerPlan) Name() string { return string(RoleSeller) }

// Run implements Plan.
func (p *sellerPlan) Run(ctx context.Context, mail []chat.Message, sum *Summary) error {
	p.handleMail(ctx, mail, sum)
	live := p.advanceCatalog(ctx, sum)
	p.exec.advance(ctx, sum)

	tasks, err := p.a.mkt.Browse(ctx, market.Filter{Limit: browseLimit})
	if err != nil {
		sum.Fail("browse", err)
	} else {
		p.applyToRequests(ctx, tasks, sum)
	}

	p.publishMissing(ctx, live, sum)
	return nil
}

// advanceCatalog walks the catalog listings this agent published. The
// buyer settles off-market, so the seller's active path ends at
// approval; settlement confirmation arrives over the channel.
func (p *sellerPlan) advanceCatalog(ctx context.Context, sum *Summary) map[string]bool {
	live := make(map[string]bool)
	ids, err := p.a.st.EscrowIDs()
	if err != nil {
		sum.Fail("list records", err)
		return live
	}
	for _, id := range ids {
		if sum.blocked(ctx) {
			break
		}
		m, err := escrow.Load(p.a.st, p.a.log, id)
		if err != nil {
			sum.Fail("load record", err)
			continue
		}
		rec := m.Record()
		if rec.Role != escrow.RolePublisher || rec.Direction != escrow.DirIncoming {
			continue
		}
		if rec.State.Terminal() {
			continue
		}
		switch rec.State {
		case market.StatePublished, market.StateApplied:
			assignBest(ctx, p.a, m, sum)
		case market.StateAssigned:
			if err := m.Reconcile(ctx, p.a.mkt); err != nil {
				sum.Fail("reconcile", err)
				break
			}
			if m.State() == market.StateSubmitted {
				p.approvePurchase(ctx, m, sum)
			}
		case market.StateSubmitted:
			p.approvePurchase(ctx, m, sum)
		}
		if !m.State().Terminal() {
			live[rec.Product] = true
		}
	}
	return live
}

// approvePurchase accepts a buyer's purchase submission on a catalog
// task. Approval obliges the buyer to settle; the authorization itself
// is the buyer's to sign.
func (p *sellerPlan) approvePurchase(ctx context.Context, m *escrow.Machine, sum *Summary) {
	rec := m.Record()
	t, err := p.a.mkt.Get(ctx, rec.TaskID)
	if err != nil {
		sum.Fail("fetch task", err)
		return
	}
	if t.Submission == nil {
		return
	}
	err = m.Approve(ctx, p.a.mkt, t.Submission)
	if errors.Is(err, escrow.ErrEvidenceRejected) {
		sum.Rejected++
		sum.Note("rejected purchase of %s: evidence incomplete", rec.Product)
		return
	}
	if err != nil {
		sum.Fail("approve", err)
		return
	}
	sum.Approved++
}

// applyToRequests answers open request tasks for catalog products.
func (p *sellerPlan) applyToRequests(ctx context.Context, tasks []market.Task, sum *Summary) {
	for _, t := range tasks {
		if sum.blocked(ctx) {
			return
		}
		if t.State != market.StatePublished || t.Publisher == p.a.addr {
			continue
		}
		product, ok := strings.CutPrefix(t.Title, market.RequestTitlePrefix)
		if !ok || p.item(product) == nil {
			continue
		}
		p.exec.applyTo(ctx, t, product, sum)
	}
}

// publishMissing (re)lists every catalog product without a live task.
func (p *sellerPlan) publishMissing(ctx context.Context, live map[string]bool, sum *Summary) {
	now := p.a.clock()
	for _, it := range p.items {
		if sum.blocked(ctx) {
			return
		}
		if live[it.product.Name] {
			continue
		}
		category := it.product.Category
		if category == "" {
			category = requestCategory
		}
		d := market.Draft{
			Title:            it.product.Name,
			Description:      it.product.Description,
			Category:         category,
			Bounty:           it.bounty,
			EvidenceRequired: []market.Kind{it.kind},
			Deadline:         now.Add(catalogTTL),
		}
		m, err := escrow.Publish(ctx, p.a.st, p.a.mkt, p.a.log, d, it.product.Name, escrow.DirIncoming)
		if err != nil {
			sum.Fail("publish listing", err)
			continue
		}
		if err := p.a.st.MarkPublished(it.product.Name, m.TaskID()); err != nil {
			sum.Fail("mark published", err)
		}
		sum.Published++
		p.a.announce(chat.Have{
			Product:     it.product.Name,
			Price:       p.a.amount(it.bounty),
			Description: it.product.Description,
		}, sum)
	}
}

// handleMail answers NEEDs for catalog products and confirms DEALs that
// name this agent as the seller.
func (p *sellerPlan) handleMail(ctx context.Context, mail []chat.Message, sum *Summary) {
	answered := make(map[string]bool)
	for _, msg := range mail {
		ann, ok := chat.ParseLine(msg.Line)
		if !ok {
			continue
		}
		switch v := ann.(type) {
		case chat.Need:
			it := p.item(v.Product)
			if it == nil || answered[v.Product] {
				continue
			}
			answered[v.Product] = true
			p.a.announce(chat.Have{
				Product:     it.product.Name,
				Price:       p.a.amount(it.bounty),
				Description: it.product.Description,
			}, sum)
		case chat.Deal:
			if p.isSelf(v.Seller) {
				p.confirmDeal(ctx, v, sum)
			}
		}
	}
}

func (p *sellerPlan) isSelf(who string) bool {
	return strings.EqualFold(who, p.a.addr.Hex()) || who == p.a.nick
}

// confirmDeal marks the matching approved listing settled and rates the
// buyer. The channel is advisory, so a deal line that matches nothing is
// silently ignored.
func (p *sellerPlan) confirmDeal(ctx context.Context, d chat.Deal, sum *Summary) {
	ids, err := p.a.st.EscrowIDs()
	if err != nil {
		sum.Fail("list records", err)
		return
	}
	for _, id := range ids {
		m, err := escrow.Load(p.a.st, p.a.log, id)
		if err != nil {
			continue
		}
		rec := m.Record()
		if rec.Role != escrow.RolePublisher || rec.Direction != escrow.DirIncoming {
			continue
		}
		if rec.Product != d.Product || rec.State != market.StateApproved {
			continue
		}
		if err := m.MarkSettled(common.Hash{}, "deal confirmed on channel"); err != nil {
			sum.Fail("mark settled", err)
			return
		}
		sum.Settled++
		if err := p.a.st.ClearPublished(rec.Product); err != nil {
			p.a.log.Debug("clear publication mark", zap.Error(err))
		}
		p.a.rateClient(ctx, rec.Counterparty)
		return
	}
}

func (p *sellerPlan) item(product string) *sellerItem {
	for i := range p.items {
		if p.items[i].product.Name == product {
			return &p.items[i]
		}
	}
	return nil
}
