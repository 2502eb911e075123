/*
Package keys provides the agent key material: secp256k1 private keys with
the derivation, signing and address primitives the rest of the system
builds on. Keys either come in explicitly (hex) or are derived from the
swarm mnemonic, one account index per agent.
*/
package keys

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey represents an agent private key and provides a high level API
// around ecdsa.PrivateKey.
type PrivateKey struct {
	ecdsa.PrivateKey
}

// NewPrivateKey creates a new random secp256k1 private key.
func NewPrivateKey() (*PrivateKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{*priv}, nil
}

// NewPrivateKeyFromHex returns a PrivateKey created from the given hex
// string, with or without the 0x prefix.
func NewPrivateKeyFromHex(str string) (*PrivateKey, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(str, "0x"))
	if err != nil {
		return nil, err
	}
	return &PrivateKey{*priv}, nil
}

// NewPrivateKeyFromBytes returns a PrivateKey from the given 32-byte scalar.
func NewPrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	priv, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{*priv}, nil
}

// Address derives the account address coupled with the private key.
func (p *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(p.PublicKey)
}

// SignHash signs a particular digest with the private key. The returned
// signature is in the 65-byte [R || S || V] form with V in {0, 1}.
func (p *PrivateKey) SignHash(digest common.Hash) ([]byte, error) {
	return crypto.Sign(digest[:], &p.PrivateKey)
}

// Bytes returns the underlying bytes of the PrivateKey.
func (p *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(&p.PrivateKey)
}

// String implements the stringer interface; the key is hex-encoded with
// the 0x prefix.
func (p *PrivateKey) String() string {
	return hexutil.Encode(p.Bytes())
}
