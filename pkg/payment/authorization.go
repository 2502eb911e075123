/*
Package payment constructs, signs and verifies the transfer-with-
authorization messages the settlement facilitator executes against the
stablecoin contract. The typed-data encoding must match the token contract
bit-exactly; everything that parameterizes it (token name, version, chain
ID, contract address, decimals) comes from the swarm configuration.
*/
package payment

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/karmacadabra/karma-go/pkg/config"
)

var (
	domainTypeHash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	transferTypeHash = crypto.Keccak256Hash(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)
)

// Domain identifies the verifying token contract for typed-data hashing.
type Domain struct {
	Name     string
	Version  string
	ChainID  uint64
	Contract common.Address
}

// NewDomain builds the typed-data domain from the swarm configuration.
func NewDomain(cfg config.SwarmConfiguration) Domain {
	return Domain{
		Name:     cfg.Token.Name,
		Version:  cfg.Token.Version,
		ChainID:  uint64(cfg.Chain.ChainID),
		Contract: common.HexToAddress(cfg.Token.Address),
	}
}

// Separator computes the EIP-712 domain separator.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(new(big.Int).SetUint64(d.ChainID).Bytes(), 32),
		common.LeftPadBytes(d.Contract.Bytes(), 32),
	)
}

// Authorization is one signed permission for the facilitator to move Value
// smallest units from From to To within the validity window. The (From,
// Nonce) pair is replay-unique for the lifetime of the token contract.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *uint256.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       [32]byte
	V           byte
	R           [32]byte
	S           [32]byte
}

// Digest computes the typed-data hash the token contract verifies:
// keccak256 over 0x19 0x01, the domain separator and the struct hash.
func (a *Authorization) Digest(d Domain) common.Hash {
	value := a.Value.Bytes32()
	structHash := crypto.Keccak256(
		transferTypeHash.Bytes(),
		common.LeftPadBytes(a.From.Bytes(), 32),
		common.LeftPadBytes(a.To.Bytes(), 32),
		value[:],
		common.LeftPadBytes(new(big.Int).SetUint64(a.ValidAfter).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(a.ValidBefore).Bytes(), 32),
		a.Nonce[:],
	)
	sep := d.Separator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], structHash)
}

// Signature assembles the 65-byte recoverable signature with the recovery
// id mapped back to {0, 1}.
func (a *Authorization) Signature() ([]byte, error) {
	if a.V != 27 && a.V != 28 {
		return nil, fmt.Errorf("%w: v must be 27 or 28, got %d", ErrSignerMismatch, a.V)
	}
	sig := make([]byte, 65)
	copy(sig[:32], a.R[:])
	copy(sig[32:64], a.S[:])
	sig[64] = a.V - 27
	return sig, nil
}

type authJSON struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       string         `json:"value"`
	ValidAfter  uint64         `json:"valid_after"`
	ValidBefore uint64         `json:"valid_before"`
	Nonce       common.Hash    `json:"nonce"`
	V           byte           `json:"v"`
	R           common.Hash    `json:"r"`
	S           common.Hash    `json:"s"`
}

// MarshalJSON implements the json marshaller interface. Addresses encode
// as hex, the value as a decimal string of smallest units, nonce and
// signature halves as 0x-prefixed 32-byte hex.
func (a Authorization) MarshalJSON() ([]byte, error) {
	value := "0"
	if a.Value != nil {
		value = a.Value.Dec()
	}
	return json.Marshal(authJSON{
		From:        a.From,
		To:          a.To,
		Value:       value,
		ValidAfter:  a.ValidAfter,
		ValidBefore: a.ValidBefore,
		Nonce:       common.Hash(a.Nonce),
		V:           a.V,
		R:           common.Hash(a.R),
		S:           common.Hash(a.S),
	})
}

// UnmarshalJSON implements the json unmarshaller interface.
func (a *Authorization) UnmarshalJSON(data []byte) error {
	var aux authJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	value, err := uint256.FromDecimal(aux.Value)
	if err != nil {
		return fmt.Errorf("authorization value: %w", err)
	}
	*a = Authorization{
		From:        aux.From,
		To:          aux.To,
		Value:       value,
		ValidAfter:  aux.ValidAfter,
		ValidBefore: aux.ValidBefore,
		Nonce:       aux.Nonce,
		V:           aux.V,
		R:           aux.R,
		S:           aux.S,
	}
	return nil
}
