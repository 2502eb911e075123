/*
Package escrow drives the per-task lifecycle

	UNKNOWN -> PUBLISHED -> APPLIED -> ASSIGNED -> SUBMITTED -> APPROVED -> SETTLED

with EXPIRED, CANCELLED and REJECTED as side exits. One Machine instance
covers one (agent, task) pair and is not safe for concurrent use; the
runtime drives tasks sequentially within a tick.

Every transition is persisted to the store before it is acknowledged to
the caller. On restart, Reconcile aligns non-terminal records with the
marketplace, which is authoritative whenever the two disagree.
*/
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"github.com/karmacadabra/karma-go/pkg/store"
	"go.uber.org/zap"
)

// Machine is one task's escrow state machine bound to the agent's store.
type Machine struct {
	st  *store.Store
	log *zap.Logger
	rec Record
}

// New wraps a prepared record without persisting it; the first Advance
// writes it out.
func New(st *store.Store, log *zap.Logger, rec Record) *Machine {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.State == "" {
		rec.State = market.StateUnknown
	}
	return &Machine{st: st, log: log, rec: rec}
}

// Load reads an existing record from the store.
func Load(st *store.Store, log *zap.Logger, id uuid.UUID) (*Machine, error) {
	var rec Record
	if err := st.LoadEscrow(id, &rec); err != nil {
		return nil, fmt.Errorf("load escrow %s: %w", id, err)
	}
	return &Machine{st: st, log: log, rec: rec}, nil
}

// Publish creates the task on the marketplace and persists PUBLISHED.
// direction is outgoing for request tasks (the publisher pays the
// executor) and incoming for catalog tasks.
func Publish(ctx context.Context, st *store.Store, mc *market.Client, log *zap.Logger, d market.Draft, product string, direction Direction) (*Machine, error) {
	id, err := mc.CreateTask(ctx, d)
	if err != nil {
		return nil, err
	}
	m := New(st, log, Record{
		TaskID:           id,
		Role:             RolePublisher,
		Direction:        direction,
		Product:          product,
		Title:            d.Title,
		Bounty:           d.Bounty,
		EvidenceRequired: d.EvidenceRequired,
		Deadline:         d.Deadline,
	})
	if err := m.Advance(market.StatePublished, "create_task accepted"); err != nil {
		return nil, err
	}
	return m, nil
}

// Track persists a record for a task another agent published, leaving it
// at PUBLISHED so the executor side can apply. Callers check HasEscrow
// first; tracking an already tracked task would reset its history.
func Track(st *store.Store, log *zap.Logger, t market.Task, product string, direction Direction) (*Machine, error) {
	m := New(st, log, Record{
		TaskID:           t.ID,
		Role:             RoleExecutor,
		Direction:        direction,
		Product:          product,
		Title:            t.Title,
		Counterparty:     t.Publisher,
		Bounty:           t.Bounty,
		EvidenceRequired: t.EvidenceRequired,
		Deadline:         t.Deadline,
	})
	if err := m.Advance(market.StatePublished, "observed on marketplace"); err != nil {
		return nil, err
	}
	return m, nil
}

// Record returns a copy of the durable record.
func (m *Machine) Record() Record {
	return m.rec
}

// State returns the current persisted state.
func (m *Machine) State() market.State {
	return m.rec.State
}

// TaskID returns the task this machine tracks.
func (m *Machine) TaskID() uuid.UUID {
	return m.rec.TaskID
}

// Advance validates the edge, appends a history line and persists the
// record. The write completes before the new state is visible to anyone.
func (m *Machine) Advance(to market.State, reason string) error {
	from := m.rec.State
	if !Legal(from, to) {
		deniedCounter.Inc()
		return fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
	}
	now := time.Now().UTC()
	m.rec.State = to
	m.rec.UpdatedAt = now
	m.rec.History = append(m.rec.History, Transition{At: now, From: from, To: to, Reason: reason})
	if err := m.save(); err != nil {
		m.rec.State = from
		m.rec.History = m.rec.History[:len(m.rec.History)-1]
		return err
	}
	transitionsCounter.WithLabelValues(string(to)).Inc()
	m.log.Debug("escrow transition",
		zap.Stringer("task", m.rec.TaskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

// Apply registers intent to fulfill the task and advances PUBLISHED ->
// APPLIED. A remote conflict is consumed: the application on record, ours
// or to-be-reconciled, stays authoritative. Calling Apply when already
// applied is a no-op.
func (m *Machine) Apply(ctx context.Context, mc *market.Client, message string) error {
	if m.rec.State == market.StateApplied {
		return nil
	}
	if m.rec.State != market.StatePublished {
		return fmt.Errorf("%w: apply from %s", ErrTransition, m.rec.State)
	}
	appID, err := mc.Apply(ctx, m.rec.TaskID, message)
	switch {
	case errors.Is(err, market.ErrAlreadyApplied):
	case err != nil:
		return m.remoteFailure(err)
	default:
		m.rec.ApplicationID = appID
	}
	return m.Advance(market.StateApplied, "apply accepted")
}

// Assign picks the applicant and advances APPLIED -> ASSIGNED. The
// publisher records the assignee as the task's counterparty.
func (m *Machine) Assign(ctx context.Context, mc *market.Client, applicationID string, assignee common.Address) error {
	if m.rec.State != market.StateApplied {
		return fmt.Errorf("%w: assign from %s", ErrTransition, m.rec.State)
	}
	if err := mc.Assign(ctx, m.rec.TaskID, applicationID); err != nil {
		return m.remoteFailure(err)
	}
	m.rec.ApplicationID = applicationID
	m.rec.Counterparty = assignee
	return m.Advance(market.StateAssigned, "assign accepted")
}

// Submit delivers evidence and advances ASSIGNED -> SUBMITTED. The
// evidence must cover every required kind; incomplete deliveries never
// reach the marketplace.
func (m *Machine) Submit(ctx context.Context, mc *market.Client, ev market.Evidence) error {
	if m.rec.State != market.StateAssigned {
		return fmt.Errorf("%w: submit from %s", ErrTransition, m.rec.State)
	}
	if missing := ev.Missing(m.rec.EvidenceRequired); len(missing) > 0 {
		return fmt.Errorf("%w: %v", market.ErrEvidenceShape, missing)
	}
	subID, err := mc.Submit(ctx, m.rec.TaskID, ev)
	if err != nil {
		return m.remoteFailure(err)
	}
	m.rec.SubmissionID = subID
	return m.Advance(market.StateSubmitted, "submit accepted")
}

// Approve validates the delivered evidence and advances SUBMITTED ->
// APPROVED, the commit point for payment. A submission missing any
// required kind transitions to REJECTED instead and returns
// ErrEvidenceRejected; no authorization is ever signed for it.
func (m *Machine) Approve(ctx context.Context, mc *market.Client, sub *market.Submission) error {
	if m.rec.State != market.StateSubmitted {
		return fmt.Errorf("%w: approve from %s", ErrTransition, m.rec.State)
	}
	if sub == nil {
		return fmt.Errorf("%w: no submission to approve", ErrTransition)
	}
	if missing := sub.Evidence.Missing(m.rec.EvidenceRequired); len(missing) > 0 {
		if err := m.Advance(market.StateRejected, fmt.Sprintf("missing evidence kinds %v", missing)); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEvidenceRejected, missing)
	}
	if err := mc.Approve(ctx, m.rec.TaskID, sub.ID); err != nil {
		return m.remoteFailure(err)
	}
	m.rec.SubmissionID = sub.ID
	return m.Advance(market.StateApproved, "approve accepted")
}

// Reject closes a submitted task without payment.
func (m *Machine) Reject(reason string) error {
	return m.Advance(market.StateRejected, reason)
}

// Cancel withdraws a published task before assignment.
func (m *Machine) Cancel(reason string) error {
	return m.Advance(market.StateCancelled, reason)
}

// ExpireIfPast closes the task when its deadline has passed, returning
// true when it transitioned.
func (m *Machine) ExpireIfPast(now time.Time) (bool, error) {
	if m.rec.State.Terminal() || m.rec.Deadline.IsZero() || now.Before(m.rec.Deadline) {
		return false, nil
	}
	if err := m.Advance(market.StateExpired, "deadline exceeded"); err != nil {
		return false, err
	}
	return true, nil
}

// Settle drives APPROVED -> SETTLED for the paying side. The signed
// authorization is persisted with the record and appended to the ledger
// before it can leave the process; retries reuse it, so the counterparty
// is never paid twice. Settling a settled task is a no-op.
func (m *Machine) Settle(ctx context.Context, signer *payment.Signer, fac *payment.Facilitator) error {
	switch {
	case m.rec.State == market.StateSettled:
		return nil
	case m.rec.State != market.StateApproved:
		return fmt.Errorf("%w: settle from %s", ErrTransition, m.rec.State)
	case m.rec.Direction != DirOutgoing:
		return fmt.Errorf("settle %s: direction is %s", m.rec.TaskID, m.rec.Direction)
	}

	if m.rec.Authorization == nil {
		// A crash after the ledger append but before the record write
		// leaves the authorization only in the ledger. Adopt it instead
		// of signing a second one for the same task.
		auth, err := m.ledgerAuthorization()
		if err != nil {
			return err
		}
		if auth == nil {
			if auth, err = signer.SignUnits(m.rec.Counterparty, uint256.NewInt(m.rec.Bounty)); err != nil {
				return fmt.Errorf("sign settlement for %s: %w", m.rec.TaskID, err)
			}
			if err := m.st.AppendAuthorization(store.LedgerEntry{
				TaskID:        m.rec.TaskID,
				Product:       m.rec.Product,
				Authorization: *auth,
			}); err != nil {
				return err
			}
		}
		m.rec.Authorization = auth
		if err := m.save(); err != nil {
			return err
		}
	}

	receipt, err := fac.Settle(ctx, m.rec.Authorization)
	if err != nil {
		m.rec.LastError = err.Error()
		_ = m.save()
		return err
	}
	m.rec.SettlementTx = receipt.TxHash
	m.rec.LastError = ""
	return m.Advance(market.StateSettled, "facilitator settled")
}

// ledgerAuthorization returns the newest ledger authorization issued for
// this task, or nil when none was ever appended.
func (m *Machine) ledgerAuthorization() (*payment.Authorization, error) {
	entries, err := m.st.LedgerEntries()
	if err != nil {
		return nil, fmt.Errorf("scan ledger for %s: %w", m.rec.TaskID, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].TaskID == m.rec.TaskID {
			a := entries[i].Authorization
			return &a, nil
		}
	}
	return nil, nil
}

// MarkSettled records settlement observed from outside: the receiving
// side learns about it from the marketplace or a DEAL broadcast.
func (m *Machine) MarkSettled(tx common.Hash, reason string) error {
	if m.rec.State == market.StateSettled {
		return nil
	}
	m.rec.SettlementTx = tx
	return m.Advance(market.StateSettled, reason)
}

// RecordFailure classifies a remote error against this task. Permanent
// schema rejections park the record in the FAILED sub-state together
// with the offending payload; everything else only updates the last
// error, leaving the state at the last confirmed transition.
func (m *Machine) RecordFailure(err error, payload string) error {
	m.rec.LastError = err.Error()
	if errors.Is(err, market.ErrSchema) {
		m.rec.Failed = true
		m.rec.FailedPayload = payload
	}
	return m.save()
}

func (m *Machine) remoteFailure(err error) error {
	if rerr := m.RecordFailure(err, ""); rerr != nil {
		m.log.Warn("record failure", zap.Stringer("task", m.rec.TaskID), zap.Error(rerr))
	}
	return err
}

// Reconcile pulls the authoritative remote view and walks the local
// record along legal edges until the two agree. Remote wins; a local
// record ahead of the marketplace (settlement happens off-market) is
// left alone.
func (m *Machine) Reconcile(ctx context.Context, mc *market.Client) error {
	if m.rec.State.Terminal() {
		return nil
	}
	remote, err := mc.Get(ctx, m.rec.TaskID)
	if errors.Is(err, market.ErrNotFound) {
		return m.Advance(market.StateExpired, "missing on marketplace")
	}
	if err != nil {
		return err
	}

	if m.rec.ApplicationID == "" && remote.ApplicationID != "" {
		m.rec.ApplicationID = remote.ApplicationID
	}
	if m.rec.SubmissionID == "" && remote.SubmissionID != "" {
		m.rec.SubmissionID = remote.SubmissionID
	}
	if m.rec.Role == RolePublisher && m.rec.Counterparty == (common.Address{}) {
		m.rec.Counterparty = remote.Assignee
	}

	for {
		next, ok := reconcileStep(m.rec.State, remote.State)
		if !ok {
			break
		}
		if err := m.Advance(next, "reconciled with marketplace"); err != nil {
			return err
		}
	}
	if m.rec.State != remote.State && stateRank[m.rec.State] < stateRank[remote.State] {
		m.log.Warn("reconciliation stalled",
			zap.Stringer("task", m.rec.TaskID),
			zap.String("local", string(m.rec.State)),
			zap.String("remote", string(remote.State)))
	}
	return m.save()
}

// reconcileStep picks the next legal edge toward the remote state.
func reconcileStep(local, remote market.State) (market.State, bool) {
	if local == remote || local.Terminal() {
		return local, false
	}
	switch remote {
	case market.StateExpired:
		return market.StateExpired, true
	case market.StateCancelled:
		if local == market.StatePublished {
			return market.StateCancelled, true
		}
		if local == market.StateUnknown {
			return market.StatePublished, true
		}
		return local, false
	case market.StateRejected:
		if local == market.StateSubmitted {
			return market.StateRejected, true
		}
		if stateRank[local] < stateRank[market.StateSubmitted] {
			return mainNext[local], true
		}
		return local, false
	default:
		lr, lok := stateRank[local]
		rr, rok := stateRank[remote]
		if !lok || !rok || lr >= rr {
			return local, false
		}
		return mainNext[local], true
	}
}

// ReconcileAll aligns every non-terminal record with the marketplace.
// Startup recovery runs it before the first tick. Per-task errors are
// logged and do not block the other tasks.
func ReconcileAll(ctx context.Context, st *store.Store, mc *market.Client, log *zap.Logger) error {
	ids, err := st.EscrowIDs()
	if err != nil {
		return fmt.Errorf("list escrow records: %w", err)
	}
	for _, id := range ids {
		m, err := Load(st, log, id)
		if err != nil {
			log.Warn("skip unreadable escrow record", zap.Stringer("task", id), zap.Error(err))
			continue
		}
		if m.State().Terminal() {
			continue
		}
		if err := m.Reconcile(ctx, mc); err != nil {
			log.Warn("reconcile", zap.Stringer("task", id), zap.Error(err))
		}
	}
	return nil
}

func (m *Machine) save() error {
	return m.st.SaveEscrow(m.rec.TaskID, m.rec)
}
