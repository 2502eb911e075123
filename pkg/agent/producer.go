package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/store"
)

// Producer builds the evidence an executor submits for an assigned
// task. The marketplace checks shape, not meaning, so the payloads only
// have to cover the record's required kinds with non-empty values.
type Producer interface {
	Produce(ctx context.Context, rec escrow.Record) (market.Evidence, error)
}

// catalogProducer fabricates evidence straight from the catalog entry.
// It serves sellers whose product is the data itself (logs, profiles),
// delivered as a typed payload.
type catalogProducer struct {
	agent   string
	domain  string
	catalog map[string]config.Product
}

func newCatalogProducer(name, domain string, catalog []config.Product) *catalogProducer {
	m := make(map[string]config.Product, len(catalog))
	for _, p := range catalog {
		m[p.Name] = p
	}
	return &catalogProducer{agent: name, domain: domain, catalog: m}
}

// Produce implements Producer.
func (p *catalogProducer) Produce(_ context.Context, rec escrow.Record) (market.Evidence, error) {
	entry, ok := p.catalog[rec.Product]
	if !ok {
		return nil, fmt.Errorf("product %q not in catalog", rec.Product)
	}
	required := rec.EvidenceRequired
	if len(required) == 0 {
		required = []market.Kind{market.KindJSONResponse}
	}
	ev := make(market.Evidence, len(required))
	for _, k := range required {
		ev[k] = p.payload(k, entry)
	}
	return ev, nil
}

func (p *catalogProducer) payload(k market.Kind, entry config.Product) any {
	switch k {
	case market.KindJSONResponse, market.KindAPIResponse, market.KindStructuredData:
		return map[string]any{
			"product":   entry.Name,
			"agent":     p.agent,
			"issued_at": time.Now().UTC().Format(time.RFC3339),
			"summary":   entry.Description,
		}
	case market.KindURLReference:
		return fmt.Sprintf("https://%s/products/%s", p.domain, entry.Name)
	case market.KindFileArtifact, market.KindScreenshot:
		return fmt.Sprintf("artifact://%s/%s", p.agent, entry.Name)
	default:
		return fmt.Sprintf("%s delivered by %s: %s", entry.Name, p.agent, entry.Description)
	}
}

// artifactProducer serves the buyer-seller's downstream product from the
// newest transformed artifact in the store. Until the first transform
// lands it has nothing to sell.
type artifactProducer struct {
	st      *store.Store
	product string
}

// Ready reports whether at least one artifact exists to sell.
func (p *artifactProducer) Ready() bool {
	ids, err := p.st.Purchases(p.product)
	return err == nil && len(ids) > 0
}

// Produce implements Producer.
func (p *artifactProducer) Produce(_ context.Context, rec escrow.Record) (market.Evidence, error) {
	if rec.Product != p.product {
		return nil, fmt.Errorf("product %q not offered, only %q", rec.Product, p.product)
	}
	ids, err := p.st.Purchases(p.product)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no %s artifact available yet", p.product)
	}
	blob, err := p.st.LoadPurchase(p.product, newest(ids))
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	required := rec.EvidenceRequired
	if len(required) == 0 {
		required = []market.Kind{market.KindJSONResponse}
	}
	ev := make(market.Evidence, len(required))
	for _, k := range required {
		ev[k] = artifactPayload(k, blob)
	}
	return ev, nil
}

func artifactPayload(k market.Kind, blob []byte) any {
	switch k {
	case market.KindJSONResponse, market.KindAPIResponse, market.KindStructuredData:
		var obj map[string]any
		if err := json.Unmarshal(blob, &obj); err == nil && len(obj) > 0 {
			return obj
		}
		return map[string]any{"content": string(blob)}
	default:
		return string(blob)
	}
}

// newest picks the lexically greatest id. Store listings are sorted, so
// this is deterministic across restarts; artifacts carry their own
// timestamps for anyone who cares about recency.
func newest(ids []uuid.UUID) uuid.UUID {
	return ids[len(ids)-1]
}

// evidenceKind maps a catalog Evidence field to a kind, defaulting to
// json_response when unset or unknown.
func evidenceKind(s string) market.Kind {
	k := market.Kind(s)
	if k.Valid() {
		return k
	}
	return market.KindJSONResponse
}
