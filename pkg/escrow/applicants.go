package escrow

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karmacadabra/karma-go/pkg/market"
)

// Scorer rates an address for applicant selection. The reputation
// package provides the composite implementation; a nil Scorer degrades
// selection to pure FIFO.
type Scorer interface {
	Score(ctx context.Context, addr common.Address) float64
}

// SelectApplicant picks the application to assign: highest score first,
// earliest created_at on ties. Returns nil when there is nothing to pick.
func SelectApplicant(ctx context.Context, apps []market.Application, scorer Scorer) *market.Application {
	if len(apps) == 0 {
		return nil
	}
	type scored struct {
		app   market.Application
		score float64
	}
	ranked := make([]scored, len(apps))
	for i, a := range apps {
		s := 0.0
		if scorer != nil {
			s = scorer.Score(ctx, a.Applicant)
		}
		ranked[i] = scored{app: a, score: s}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].app.CreatedAt.Before(ranked[j].app.CreatedAt)
	})
	return &ranked[0].app
}
