package escrow

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/payment"
)

var (
	// ErrTransition is returned when a requested edge is not part of the
	// lifecycle. The record on disk is left untouched.
	ErrTransition = errors.New("illegal escrow transition")
	// ErrEvidenceRejected is returned by Approve when required evidence
	// kinds are missing. The task transitions to REJECTED and no
	// authorization is signed.
	ErrEvidenceRejected = errors.New("submission rejected: required evidence missing")
)

// Role is the agent's side of a task.
type Role string

// Task sides.
const (
	RolePublisher Role = "publisher"
	RoleExecutor  Role = "executor"
)

// Direction says which way value moves at settlement. The data buyer pays
// regardless of who published: catalog tasks are published by the seller
// and paid by the applying buyer, request tasks the other way around.
type Direction string

// Settlement directions.
const (
	DirOutgoing Direction = "outgoing"
	DirIncoming Direction = "incoming"
)

// Transition is one history line of a record.
type Transition struct {
	At     time.Time    `json:"at"`
	From   market.State `json:"from"`
	To     market.State `json:"to"`
	Reason string       `json:"reason,omitempty"`
}

// Record is the durable per-task escrow file. It is persisted before any
// new state is acknowledged, so a restart resumes from the last
// confirmed transition.
type Record struct {
	TaskID           uuid.UUID      `json:"task_id"`
	Role             Role           `json:"role"`
	Direction        Direction      `json:"direction"`
	Product          string         `json:"product,omitempty"`
	Title            string         `json:"title,omitempty"`
	Counterparty     common.Address `json:"counterparty"`
	Bounty           uint64         `json:"bounty"`
	EvidenceRequired []market.Kind  `json:"evidence_required,omitempty"`
	Deadline         time.Time      `json:"deadline"`

	State         market.State `json:"state"`
	ApplicationID string       `json:"application_id,omitempty"`
	SubmissionID  string       `json:"submission_id,omitempty"`

	// Failed marks a permanent remote rejection; the offending payload
	// is kept for the operator.
	Failed        bool   `json:"failed,omitempty"`
	FailedPayload string `json:"failed_payload,omitempty"`
	LastError     string `json:"last_error,omitempty"`

	// Authorization is the signed transfer for outgoing settlements. It
	// is written once and reused across settlement retries.
	Authorization *payment.Authorization `json:"authorization,omitempty"`
	SettlementTx  common.Hash            `json:"settlement_tx"`

	History   []Transition `json:"history"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// mainNext is the forward chain of the lifecycle.
var mainNext = map[market.State]market.State{
	market.StateUnknown:   market.StatePublished,
	market.StatePublished: market.StateApplied,
	market.StateApplied:   market.StateAssigned,
	market.StateAssigned:  market.StateSubmitted,
	market.StateSubmitted: market.StateApproved,
	market.StateApproved:  market.StateSettled,
}

// stateRank orders the forward chain for reconciliation. Side branches
// have no rank.
var stateRank = map[market.State]int{
	market.StateUnknown:   0,
	market.StatePublished: 1,
	market.StateApplied:   2,
	market.StateAssigned:  3,
	market.StateSubmitted: 4,
	market.StateApproved:  5,
	market.StateSettled:   6,
}

// Legal reports whether from -> to is an edge of the lifecycle: the
// forward chain, EXPIRED from any non-terminal state, CANCELLED from
// PUBLISHED and REJECTED from SUBMITTED.
func Legal(from, to market.State) bool {
	switch to {
	case market.StateExpired:
		return !from.Terminal()
	case market.StateCancelled:
		return from == market.StatePublished
	case market.StateRejected:
		return from == market.StateSubmitted
	default:
		return mainNext[from] == to
	}
}
