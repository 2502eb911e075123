package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
)

// Verdicts a validation report can carry.
const (
	verdictPass  = "pass"
	verdictFail  = "fail"
	verdictEmpty = "empty"
)

// validatorPlan serves validation requests: it applies to tasks carrying
// the validate prefix, grades the payload embedded in the description
// and submits a score report. The bounty is the validation fee.
type validatorPlan struct {
	a    *Agent
	exec executorFlow
	fee  uint64
}

func newValidatorPlan(a *Agent) (*validatorPlan, error) {
	fee, err := parseAmount(a.cfg.ApplicationConfiguration.Validation.Fee, a.decimals)
	if err != nil {
		return nil, fmt.Errorf("validation fee: %w", err)
	}
	if !fee.IsUint64() {
		return nil, fmt.Errorf("validation fee %s out of range", a.cfg.ApplicationConfiguration.Validation.Fee)
	}
	return &validatorPlan{
		a:    a,
		exec: executorFlow{a: a, producer: scoreProducer{a: a}},
		fee:  fee.Uint64(),
	}, nil
}

// Name implements Plan.
func (p *validatorPlan) Name() string { return string(RoleValidator) }

// Run implements Plan.
func (p *validatorPlan) Run(ctx context.Context, _ []chat.Message, sum *Summary) error {
	before := sum.Submitted
	p.exec.advance(ctx, sum)
	sum.Validated += sum.Submitted - before

	tasks, err := p.a.mkt.Browse(ctx, market.Filter{Limit: browseLimit})
	if err != nil {
		sum.Fail("browse", err)
		return nil
	}
	for _, t := range tasks {
		if sum.blocked(ctx) {
			break
		}
		if t.State != market.StatePublished || t.Publisher == p.a.addr {
			continue
		}
		product, ok := strings.CutPrefix(t.Title, market.ValidateTitlePrefix)
		if !ok {
			continue
		}
		if t.Bounty < p.fee {
			continue
		}
		p.exec.applyTo(ctx, t, product, sum)
	}
	return nil
}

// scoreProducer grades the payload a validation task embeds in its
// description and reports the result as evidence.
type scoreProducer struct {
	a *Agent
}

// Produce implements Producer.
func (s scoreProducer) Produce(ctx context.Context, rec escrow.Record) (market.Evidence, error) {
	t, err := s.a.mkt.Get(ctx, rec.TaskID)
	if err != nil {
		return nil, fmt.Errorf("fetch validation payload: %w", err)
	}
	score, verdict := scorePayload(t.Description)
	report := map[string]any{
		"product":      rec.Product,
		"score":        score,
		"verdict":      verdict,
		"validator":    s.a.cfg.ApplicationConfiguration.Name,
		"validated_at": time.Now().UTC().Format(time.RFC3339),
	}
	required := rec.EvidenceRequired
	if len(required) == 0 {
		required = []market.Kind{market.KindStructuredData}
	}
	ev := make(market.Evidence, len(required))
	for _, k := range required {
		switch k {
		case market.KindJSONResponse, market.KindAPIResponse, market.KindStructuredData:
			ev[k] = report
		default:
			ev[k] = fmt.Sprintf("score %d/100, verdict %s for %s", score, verdict, rec.Product)
		}
	}
	return ev, nil
}

// scorePayload grades the embedded payload. The convention is that the
// requester inlines the data as a JSON object somewhere in the
// description; well-formed non-empty JSON passes, anything else fails.
func scorePayload(desc string) (int, string) {
	start := strings.IndexByte(desc, '{')
	end := strings.LastIndexByte(desc, '}')
	if start < 0 || end <= start {
		if strings.TrimSpace(desc) == "" {
			return 0, verdictEmpty
		}
		return 35, verdictFail
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(desc[start:end+1]), &obj); err != nil || len(obj) == 0 {
		return 35, verdictFail
	}
	return 90, verdictPass
}
