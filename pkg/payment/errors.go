package payment

import "errors"

var (
	// ErrSigningFailure is returned when the key is unavailable or the
	// signature could not be produced.
	ErrSigningFailure = errors.New("signing failure")
	// ErrAmountUnrepresentable is returned when a decimal amount does not
	// scale to an integer number of the token's smallest units.
	ErrAmountUnrepresentable = errors.New("amount not representable in token units")
	// ErrForeignFrom is returned when an authorization names a from
	// address the signer does not own. Signing it would let another
	// party spend our counterparty's funds under our signature.
	ErrForeignFrom = errors.New("refusing to sign: from address is not ours")
	// ErrWindowInvalid is returned when the validity window does not
	// cover the current time beyond the allowed clock skew.
	ErrWindowInvalid = errors.New("authorization window invalid")
	// ErrNonceReplayed is returned when the (from, nonce) pair has been
	// observed before.
	ErrNonceReplayed = errors.New("nonce already observed")
	// ErrSignerMismatch is returned when the recovered signer does not
	// match the from address.
	ErrSignerMismatch = errors.New("recovered signer does not match from address")
)
