package payment

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultSkew is the clock difference tolerated when checking validity
// windows.
const DefaultSkew = time.Minute

// Verifier checks authorizations received from counterparties.
type Verifier struct {
	domain Domain
	ledger NonceLedger
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier returns a Verifier for the given token domain. A nil ledger
// skips the replay check, which is only appropriate for offline inspection
// tooling.
func NewVerifier(domain Domain, ledger NonceLedger) *Verifier {
	return &Verifier{
		domain: domain,
		ledger: ledger,
		skew:   DefaultSkew,
		now:    time.Now,
	}
}

// Verify rebuilds the digest, recovers the signer and checks it against
// the from address, checks the validity window against the current time
// with skew tolerance, and checks the nonce for replay. It does not record
// the nonce; acceptance is the caller's decision.
func (v *Verifier) Verify(a *Authorization) error {
	sig, err := a.Signature()
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(a.Digest(v.domain).Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerMismatch, err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != a.From {
		return fmt.Errorf("%w: recovered %s, from %s", ErrSignerMismatch, recovered, a.From)
	}

	now := v.now().Unix()
	if now < int64(a.ValidAfter)-int64(v.skew/time.Second) {
		return fmt.Errorf("%w: not valid before %d, now %d", ErrWindowInvalid, a.ValidAfter, now)
	}
	if now > int64(a.ValidBefore)+int64(v.skew/time.Second) {
		return fmt.Errorf("%w: expired at %d, now %d", ErrWindowInvalid, a.ValidBefore, now)
	}

	if v.ledger != nil {
		seen, err := v.ledger.SeenNonce(a.From, a.Nonce)
		if err != nil {
			return fmt.Errorf("nonce ledger: %w", err)
		}
		if seen {
			return fmt.Errorf("%w: from %s", ErrNonceReplayed, a.From)
		}
	}
	return nil
}
