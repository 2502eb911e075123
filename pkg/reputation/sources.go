package reputation

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/identity"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/store"
)

// Sample counts at which a layer reaches half confidence.
const (
	chainHalfSamples    = 5
	offChainHalfSamples = 10
	txHalfSamples       = 5
)

// Chat participation alone never certifies quality; without peer
// ratings the off-chain score is capped here.
const activityCeiling = 70.0

// Source produces one reputation layer for an address. Returning an
// error marks the layer unavailable for this refresh without failing
// the snapshot.
type Source interface {
	Layer(ctx context.Context, addr common.Address) (Layer, error)
}

// ChainSource reads the on-chain rating aggregate. The address is first
// resolved to its registry id; unregistered agents have no on-chain
// layer.
type ChainSource struct {
	Registry   *identity.Registry
	Reputation *identity.ReputationRegistry
}

// Layer implements Source.
func (c *ChainSource) Layer(ctx context.Context, addr common.Address) (Layer, error) {
	if c.Registry == nil || c.Reputation == nil {
		return Layer{}, nil
	}
	info, err := c.Registry.ResolveByAddress(ctx, addr)
	if errors.Is(err, identity.ErrNotRegistered) {
		return Layer{}, nil
	}
	if err != nil {
		return Layer{}, err
	}
	sum, err := c.Reputation.GetSummary(ctx, info.ID)
	if err != nil {
		return Layer{}, err
	}
	if sum.Count == 0 {
		return Layer{}, nil
	}
	samples := int(sum.Count)
	if sum.Count > 1<<30 {
		samples = 1 << 30
	}
	return Layer{
		Score:      float64(sum.AverageScore),
		Confidence: sampleConfidence(samples, chainHalfSamples),
		Available:  true,
	}, nil
}

// TransactionalSource scores an address by the outcomes of our own
// escrow records with it: settled counts for, rejected and expired
// against. Scoring the owner address folds in every terminal record, so
// an agent can read its own completion rate.
type TransactionalSource struct {
	Store *store.Store
	Owner common.Address
}

// Layer implements Source.
func (t *TransactionalSource) Layer(ctx context.Context, addr common.Address) (Layer, error) {
	ids, err := t.Store.EscrowIDs()
	if err != nil {
		return Layer{}, err
	}
	var settled, failed int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Layer{}, err
		}
		var rec escrow.Record
		if err := t.Store.LoadEscrow(id, &rec); err != nil {
			return Layer{}, err
		}
		if addr != t.Owner && rec.Counterparty != addr {
			continue
		}
		switch rec.State {
		case market.StateSettled:
			settled++
		case market.StateRejected, market.StateExpired:
			failed++
		}
	}
	total := settled + failed
	if total == 0 {
		return Layer{}, nil
	}
	return Layer{
		Score:      100 * float64(settled) / float64(total),
		Confidence: sampleConfidence(total, txHalfSamples),
		Available:  true,
	}, nil
}

// OffChainSource accumulates chat activity and peer ratings observed
// during this run. It starts empty on every boot; durable reputation
// lives in the other two layers.
type OffChainSource struct {
	mu       sync.Mutex
	ratings  map[common.Address][]float64
	activity map[common.Address]int
}

// NewOffChainSource returns an empty accumulator.
func NewOffChainSource() *OffChainSource {
	return &OffChainSource{
		ratings:  make(map[common.Address][]float64),
		activity: make(map[common.Address]int),
	}
}

// NoteActivity records one chat message attributed to addr.
func (o *OffChainSource) NoteActivity(addr common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activity[addr]++
}

// NotePeerRating records a local 0..100 rating of addr, clamped.
func (o *OffChainSource) NotePeerRating(addr common.Address, score float64) {
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ratings[addr] = append(o.ratings[addr], score)
}

// Layer implements Source. Peer ratings set the score when present;
// bare activity counts toward confidence and a capped score.
func (o *OffChainSource) Layer(_ context.Context, addr common.Address) (Layer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ratings := o.ratings[addr]
	msgs := o.activity[addr]
	samples := len(ratings) + msgs
	if samples == 0 {
		return Layer{}, nil
	}
	var score float64
	if len(ratings) > 0 {
		for _, r := range ratings {
			score += r
		}
		score /= float64(len(ratings))
	} else {
		score = NeutralScore + float64(msgs)
		if score > activityCeiling {
			score = activityCeiling
		}
	}
	return Layer{
		Score:      score,
		Confidence: sampleConfidence(samples, offChainHalfSamples),
		Available:  true,
	}, nil
}
