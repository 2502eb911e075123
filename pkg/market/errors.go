package market

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned for remote 409s: the operation already
	// happened. Callers consume it as success.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyApplied is the Apply-specific conflict: this agent has an
	// application for the task on record already.
	ErrAlreadyApplied = fmt.Errorf("%w: already applied", ErrConflict)
	// ErrSchema is returned for remote 422s. Permanent, never retried.
	ErrSchema = errors.New("request rejected by remote schema")
	// ErrRateLimited is returned when 429s persist past the retry cap.
	// The caller postpones to the next tick.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnauthorized is returned for remote 403s.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEvidenceShape is returned by local validation of evidence
	// payloads and evidence_required sets.
	ErrEvidenceShape = errors.New("evidence must map kind to a non-empty payload")
	// ErrBountyTooLow is returned when a draft's bounty falls below the
	// configured minimum.
	ErrBountyTooLow = errors.New("bounty below configured minimum")
	// ErrNotFound is returned for remote 404s.
	ErrNotFound = errors.New("not found")
)
