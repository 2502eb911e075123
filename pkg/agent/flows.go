package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
)

const (
	// requestTTL bounds how long a published request task stays open.
	requestTTL = 24 * time.Hour
	// catalogTTL bounds a catalog listing; the seller republishes after
	// expiry.
	catalogTTL = 24 * time.Hour
	// browseLimit caps one tick's marketplace listing.
	browseLimit = 50
	// requestCategory tags request tasks for browsing.
	requestCategory = "data"
)

func applyMessage(product string) string {
	return fmt.Sprintf("Offering %s. Evidence follows on assignment.", product)
}

// purchaseOutcome describes one settlement completed this tick.
type purchaseOutcome struct {
	Product      string
	TaskID       uuid.UUID
	Counterparty common.Address
	Bounty       uint64
}

// purchaseReport is what the publisher flow learned from one walk over
// the outgoing records.
type purchaseReport struct {
	Settled []purchaseOutcome
	// InFlight holds the products with a live request task, so the plan
	// does not publish duplicates.
	InFlight map[string]bool
}

// publisherFlow drives the request tasks this agent published and pays
// for: assign an applicant, approve the submission, keep the artifact,
// settle. The buyer, buyer-seller and community-buyer plans share it.
type publisherFlow struct {
	a *Agent
}

// advance walks every live outgoing record one step.
func (f *publisherFlow) advance(ctx context.Context, sum *Summary) purchaseReport {
	report := purchaseReport{InFlight: make(map[string]bool)}
	ids, err := f.a.st.EscrowIDs()
	if err != nil {
		sum.Fail("list records", err)
		return report
	}
	for _, id := range ids {
		if sum.blocked(ctx) {
			break
		}
		m, err := escrow.Load(f.a.st, f.a.log, id)
		if err != nil {
			sum.Fail("load record", err)
			continue
		}
		rec := m.Record()
		if rec.Role != escrow.RolePublisher || rec.Direction != escrow.DirOutgoing || rec.State.Terminal() {
			continue
		}
		if out, settled := f.step(ctx, m, sum); settled {
			report.Settled = append(report.Settled, out)
		}
		if !m.State().Terminal() {
			report.InFlight[rec.Product] = true
		}
	}
	return report
}

func (f *publisherFlow) step(ctx context.Context, m *escrow.Machine, sum *Summary) (purchaseOutcome, bool) {
	switch m.State() {
	case market.StatePublished, market.StateApplied:
		assignBest(ctx, f.a, m, sum)
	case market.StateAssigned:
		if err := m.Reconcile(ctx, f.a.mkt); err != nil {
			sum.Fail("reconcile", err)
			break
		}
		if m.State() == market.StateSubmitted {
			f.approve(ctx, m, sum)
		}
	case market.StateSubmitted:
		f.approve(ctx, m, sum)
	}
	if m.State() == market.StateApproved {
		return f.settle(ctx, m, sum)
	}
	return purchaseOutcome{}, false
}

// assignBest picks and assigns the strongest applicant on a record this
// agent published. Reputation orders the candidates; without a scorer
// selection degrades to first-come.
func assignBest(ctx context.Context, a *Agent, m *escrow.Machine, sum *Summary) {
	apps, err := a.mkt.Applications(ctx, m.TaskID())
	if err != nil {
		sum.Fail("applications", err)
		return
	}
	pick := escrow.SelectApplicant(ctx, apps, a.scorer)
	if pick == nil {
		return
	}
	if m.State() == market.StatePublished {
		if err := m.Advance(market.StateApplied, "applications observed"); err != nil {
			sum.Fail("advance", err)
			return
		}
	}
	if err := m.Assign(ctx, a.mkt, pick.ID, pick.Applicant); err != nil {
		sum.Fail("assign", err)
		return
	}
	sum.Assigned++
}

func (f *publisherFlow) approve(ctx context.Context, m *escrow.Machine, sum *Summary) {
	rec := m.Record()
	t, err := f.a.mkt.Get(ctx, rec.TaskID)
	if err != nil {
		sum.Fail("fetch task", err)
		return
	}
	if t.Submission == nil {
		// submitted flag raced ahead of the detail payload
		return
	}
	err = m.Approve(ctx, f.a.mkt, t.Submission)
	if errors.Is(err, escrow.ErrEvidenceRejected) {
		sum.Rejected++
		sum.Note("rejected %s: evidence incomplete", rec.Product)
		return
	}
	if err != nil {
		sum.Fail("approve", err)
		return
	}
	sum.Approved++
	f.keepArtifact(rec.Product, rec.TaskID, t.Submission.Evidence, sum)
}

// keepArtifact stores the delivered evidence before any value moves.
func (f *publisherFlow) keepArtifact(product string, id uuid.UUID, ev market.Evidence, sum *Summary) {
	blob, err := json.Marshal(ev)
	if err != nil {
		sum.Fail("encode evidence", err)
		return
	}
	if err := f.a.st.SavePurchase(product, id, blob); err != nil {
		sum.Fail("save purchase", err)
		return
	}
	sum.Purchases++
}

// ensureArtifact refetches the submission when a restart lost the window
// between approval and settlement.
func (f *publisherFlow) ensureArtifact(ctx context.Context, m *escrow.Machine, sum *Summary) {
	rec := m.Record()
	if _, err := f.a.st.LoadPurchase(rec.Product, rec.TaskID); err == nil {
		return
	}
	t, err := f.a.mkt.Get(ctx, rec.TaskID)
	if err != nil || t.Submission == nil {
		return
	}
	f.keepArtifact(rec.Product, rec.TaskID, t.Submission.Evidence, sum)
}

func (f *publisherFlow) settle(ctx context.Context, m *escrow.Machine, sum *Summary) (purchaseOutcome, bool) {
	rec := m.Record()
	ok, reason, err := f.a.gate.CanSpend(f.a.clock(), uint256.NewInt(rec.Bounty))
	if err != nil {
		sum.Fail("budget", err)
		return purchaseOutcome{}, false
	}
	if !ok {
		sum.Note("hold %s: %s", rec.Product, reason)
		return purchaseOutcome{}, false
	}
	f.ensureArtifact(ctx, m, sum)
	if err := m.Settle(ctx, f.a.signer, f.a.fac); err != nil {
		sum.Fail("settle", err)
		return purchaseOutcome{}, false
	}
	sum.Settled++
	rec = m.Record()
	return purchaseOutcome{
		Product:      rec.Product,
		TaskID:       rec.TaskID,
		Counterparty: rec.Counterparty,
		Bounty:       rec.Bounty,
	}, true
}

// publishRequest opens a request task for the product and announces the
// need on the channel. The budget gate is consulted before committing.
func (f *publisherFlow) publishRequest(ctx context.Context, product string, sum *Summary) {
	now := f.a.clock()
	bounty := f.a.gate.RequestBounty()
	ok, reason, err := f.a.gate.CanSpend(now, bounty)
	if err != nil {
		sum.Fail("budget", err)
		return
	}
	if !ok {
		sum.Note("request %s deferred: %s", product, reason)
		return
	}
	d := market.Draft{
		Title:            market.RequestTitlePrefix + product,
		Description:      fmt.Sprintf("Requesting one %s delivery. Paid on approval by signed transfer authorization.", product),
		Category:         requestCategory,
		Bounty:           bounty.Uint64(),
		EvidenceRequired: []market.Kind{market.KindJSONResponse},
		Deadline:         now.Add(requestTTL),
	}
	if _, err := escrow.Publish(ctx, f.a.st, f.a.mkt, f.a.log, d, product, escrow.DirOutgoing); err != nil {
		sum.Fail("publish request", err)
		return
	}
	sum.Published++
	f.a.announce(chat.Need{
		Product: product,
		Budget:  f.a.amount(bounty.Uint64()),
		Contact: f.a.addr.Hex(),
	}, sum)
}

// executorFlow drives the tasks this agent applies to and gets paid
// for. The seller and validator plans share it, differing only in how
// the evidence is produced.
type executorFlow struct {
	a        *Agent
	producer Producer
}

// applyTo tracks a browsed task locally, then registers the application.
// Tasks already tracked are skipped, so re-browsing is harmless.
func (f *executorFlow) applyTo(ctx context.Context, t market.Task, product string, sum *Summary) {
	if f.a.st.HasEscrow(t.ID) {
		return
	}
	m, err := escrow.Track(f.a.st, f.a.log, t, product, escrow.DirIncoming)
	if err != nil {
		sum.Fail("track", err)
		return
	}
	if err := m.Apply(ctx, f.a.mkt, applyMessage(product)); err != nil {
		sum.Fail("apply", err)
		return
	}
	sum.Applied++
}

// advance walks every live executor record one step.
func (f *executorFlow) advance(ctx context.Context, sum *Summary) {
	ids, err := f.a.st.EscrowIDs()
	if err != nil {
		sum.Fail("list records", err)
		return
	}
	for _, id := range ids {
		if sum.blocked(ctx) {
			break
		}
		m, err := escrow.Load(f.a.st, f.a.log, id)
		if err != nil {
			sum.Fail("load record", err)
			continue
		}
		rec := m.Record()
		if rec.Role != escrow.RoleExecutor || rec.State.Terminal() {
			continue
		}
		f.step(ctx, m, sum)
	}
}

func (f *executorFlow) step(ctx context.Context, m *escrow.Machine, sum *Summary) {
	switch m.State() {
	case market.StatePublished:
		// tracked, but the application never landed; retry
		if err := m.Apply(ctx, f.a.mkt, applyMessage(m.Record().Product)); err != nil {
			sum.Fail("apply", err)
			return
		}
		sum.Applied++
	case market.StateApplied:
		t, err := f.a.mkt.Get(ctx, m.TaskID())
		if err != nil {
			sum.Fail("fetch task", err)
			return
		}
		if t.Assignee != (common.Address{}) && t.Assignee != f.a.addr {
			if err := m.Advance(market.StateExpired, "assigned to another executor"); err == nil {
				sum.Expired++
			}
			return
		}
		if err := m.Reconcile(ctx, f.a.mkt); err != nil {
			sum.Fail("reconcile", err)
			return
		}
		if m.State() == market.StateAssigned {
			f.submit(ctx, m, sum)
		}
	case market.StateAssigned:
		f.submit(ctx, m, sum)
	case market.StateSubmitted, market.StateApproved:
		before := m.State()
		if err := m.Reconcile(ctx, f.a.mkt); err != nil {
			sum.Fail("reconcile", err)
			return
		}
		if m.State() == market.StateRejected && before != market.StateRejected {
			sum.Rejected++
		}
	}
}

func (f *executorFlow) submit(ctx context.Context, m *escrow.Machine, sum *Summary) {
	rec := m.Record()
	ev, err := f.producer.Produce(ctx, rec)
	if err != nil {
		sum.Fail("produce", err)
		return
	}
	if err := m.Submit(ctx, f.a.mkt, ev); err != nil {
		sum.Fail("submit", err)
		return
	}
	sum.Submitted++
}
