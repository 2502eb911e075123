package payment

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/karmacadabra/karma-go/pkg/encoding/fixedn"
	"github.com/karmacadabra/karma-go/pkg/keys"
)

// Window is how long a fresh authorization stays valid. Authorizations are
// ephemeral; anything unsettled after the window expires on its own.
const Window = time.Hour

// NonceLedger records issued and observed (from, nonce) pairs. The store
// implements it on top of the agent's persistent ledger.
type NonceLedger interface {
	// ObserveNonce durably records the pair. Recording an already
	// observed pair fails with an error wrapping ErrNonceReplayed.
	ObserveNonce(from common.Address, nonce [32]byte) error
	// SeenNonce reports whether the pair was recorded before.
	SeenNonce(from common.Address, nonce [32]byte) (bool, error)
}

// Signer issues transfer authorizations from exactly one agent key.
type Signer struct {
	priv     *keys.PrivateKey
	domain   Domain
	decimals int
	ledger   NonceLedger
	now      func() time.Time
}

// NewSigner returns a Signer bound to the given key, token domain and
// nonce ledger. Decimals is the token precision used when accepting
// decimal amounts.
func NewSigner(priv *keys.PrivateKey, domain Domain, decimals int, ledger NonceLedger) *Signer {
	return &Signer{
		priv:     priv,
		domain:   domain,
		decimals: decimals,
		ledger:   ledger,
		now:      time.Now,
	}
}

// Address returns the from address every authorization of this signer
// carries.
func (s *Signer) Address() common.Address {
	return s.priv.Address()
}

// Sign converts a decimal amount ("0.05") into smallest units and issues a
// signed authorization for it.
func (s *Signer) Sign(to common.Address, amount string) (*Authorization, error) {
	value, err := fixedn.FromString(amount, s.decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %q at %d decimals", ErrAmountUnrepresentable, amount, s.decimals)
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("%w: %q exceeds uint256", ErrAmountUnrepresentable, amount)
	}
	return s.SignUnits(to, v)
}

// SignUnits issues a signed authorization for a value already expressed in
// smallest units. The validity window starts immediately (validAfter 0)
// and ends one Window from now.
func (s *Signer) SignUnits(to common.Address, value *uint256.Int) (*Authorization, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce entropy: %v", ErrSigningFailure, err)
	}
	auth := &Authorization{
		From:        s.priv.Address(),
		To:          to,
		Value:       value,
		ValidAfter:  0,
		ValidBefore: uint64(s.now().Add(Window).Unix()),
		Nonce:       nonce,
	}
	if err := s.SignAuthorization(auth); err != nil {
		return nil, err
	}
	return auth, nil
}

// SignAuthorization signs a fully populated authorization in place. The
// from address must be the signer's own; the (from, nonce) pair is
// recorded in the ledger before the signature leaves this function, so a
// crash cannot reissue a nonce.
func (s *Signer) SignAuthorization(a *Authorization) error {
	if a.From != s.priv.Address() {
		return fmt.Errorf("%w: %s", ErrForeignFrom, a.From)
	}
	if err := s.ledger.ObserveNonce(a.From, a.Nonce); err != nil {
		return fmt.Errorf("nonce ledger: %w", err)
	}
	sig, err := s.priv.SignHash(a.Digest(s.domain))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	a.V = sig[64] + 27
	copy(a.R[:], sig[:32])
	copy(a.S[:], sig[32:64])
	signedCounter.Inc()
	return nil
}
