package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Title prefixes routing tasks to the agents that serve them. Sellers
// browse for requests, validators for validations.
const (
	// RequestTitlePrefix marks tasks published by consuming agents asking
	// for a catalog product.
	RequestTitlePrefix = "[KK Request] "
	// ValidateTitlePrefix marks tasks soliciting a validator's score for
	// the payload embedded in the task description.
	ValidateTitlePrefix = "[KK Validate] "
)

// State is the marketplace-visible task state.
type State string

// Task states.
const (
	StateUnknown   State = "UNKNOWN"
	StatePublished State = "PUBLISHED"
	StateApplied   State = "APPLIED"
	StateAssigned  State = "ASSIGNED"
	StateSubmitted State = "SUBMITTED"
	StateApproved  State = "APPROVED"
	StateSettled   State = "SETTLED"
	StateRejected  State = "REJECTED"
	StateExpired   State = "EXPIRED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transitions can follow the state.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateRejected, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Task is the escrow unit the marketplace orders the swarm around. Fields
// up to Deadline are immutable after creation.
type Task struct {
	ID               uuid.UUID      `json:"task_id"`
	Publisher        common.Address `json:"publisher_address"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Category         string         `json:"category"`
	Bounty           uint64         `json:"bounty"`
	EvidenceRequired []Kind         `json:"evidence_required"`
	Deadline         time.Time      `json:"deadline"`

	State         State          `json:"state"`
	Assignee      common.Address `json:"assignee_address"`
	ApplicationID string         `json:"application_id,omitempty"`
	SubmissionID  string         `json:"submission_id,omitempty"`
	ValidatorID   string         `json:"validator_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`

	// Submission is the latest delivery, included by the marketplace in
	// task detail responses once one exists.
	Submission *Submission `json:"submission,omitempty"`
}

// Draft holds the fields a publisher supplies when creating a task.
type Draft struct {
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Category         string    `json:"category"`
	Bounty           uint64    `json:"bounty"`
	EvidenceRequired []Kind    `json:"evidence_required"`
	Deadline         time.Time `json:"deadline"`
}

// Application is a seller's registered intent to fulfill a task.
type Application struct {
	ID        string         `json:"application_id"`
	TaskID    uuid.UUID      `json:"task_id"`
	Applicant common.Address `json:"applicant_address"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

// Submission is an executor's delivered artifact.
type Submission struct {
	ID          string         `json:"submission_id"`
	TaskID      uuid.UUID      `json:"task_id"`
	Executor    common.Address `json:"executor_address"`
	Evidence    Evidence       `json:"evidence"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Filter narrows Browse results.
type Filter struct {
	Category string
	Limit    int
}
