package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/karmacadabra/karma-go/pkg/chat"
)

// buyerSellerPlan is the extractor: it buys the upstream product, runs
// the purchased bytes through the transform and sells the result as its
// own catalog product.
type buyerSellerPlan struct {
	a          *Agent
	buyer      *buyerPlan
	seller     *sellerPlan
	arts       *artifactProducer
	upstream   string
	downstream string
}

func newBuyerSellerPlan(a *Agent) (*buyerSellerPlan, error) {
	chain := a.cfg.ApplicationConfiguration.SupplyChain
	catalog := a.cfg.ApplicationConfiguration.Catalog
	if len(chain) == 0 || len(catalog) == 0 {
		return nil, fmt.Errorf("buyer-seller role requires both a supply chain and a catalog")
	}
	buyer, err := newBuyerPlan(a)
	if err != nil {
		return nil, err
	}
	downstream := catalog[0].Name
	arts := &artifactProducer{st: a.st, product: downstream}
	seller, err := newSellerPlan(a, arts)
	if err != nil {
		return nil, err
	}
	return &buyerSellerPlan{
		a:          a,
		buyer:      buyer,
		seller:     seller,
		arts:       arts,
		upstream:   chain[len(chain)-1],
		downstream: downstream,
	}, nil
}

// Name implements Plan.
func (p *buyerSellerPlan) Name() string { return string(RoleBuyerSeller) }

// Run implements Plan.
func (p *buyerSellerPlan) Run(ctx context.Context, mail []chat.Message, sum *Summary) error {
	if err := p.buyer.Run(ctx, nil, sum); err != nil {
		return err
	}
	p.transformNew(ctx, sum)
	if !p.arts.Ready() {
		// nothing to sell until the first transform lands
		return nil
	}
	return p.seller.Run(ctx, mail, sum)
}

// transformNew runs the transform over upstream purchases that have no
// downstream artifact yet. The artifact reuses the upstream task id, so
// a crash mid-batch resumes exactly where it stopped.
func (p *buyerSellerPlan) transformNew(ctx context.Context, sum *Summary) {
	ids, err := p.a.st.Purchases(p.upstream)
	if err != nil {
		sum.Fail("list purchases", err)
		return
	}
	for _, id := range ids {
		if sum.blocked(ctx) {
			return
		}
		if _, err := p.a.st.LoadPurchase(p.downstream, id); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			sum.Fail("probe artifact", err)
			continue
		}
		in, err := p.a.st.LoadPurchase(p.upstream, id)
		if err != nil {
			sum.Fail("load purchase", err)
			continue
		}
		out, err := p.a.transform.Transform(ctx, in)
		if err != nil {
			sum.Fail("transform", err)
			continue
		}
		if err := p.a.st.SavePurchase(p.downstream, id, out); err != nil {
			sum.Fail("save artifact", err)
			continue
		}
		sum.Transformed++
	}
}
