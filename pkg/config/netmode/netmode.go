package netmode

import "strconv"

const (
	// MainNet contains the chain ID of the production network the swarm
	// settles on (Base mainnet).
	MainNet Magic = 8453
	// TestNet contains the chain ID of the public testing network
	// (Base Sepolia).
	TestNet Magic = 84532
	// PrivNet contains the chain ID usually used by local development
	// chains (anvil/hardhat).
	PrivNet Magic = 31337
	// UnitTestNet is a stub chain ID used for testing purposes.
	UnitTestNet Magic = 42
)

// Magic describes the chain the swarm settles payments on.
type Magic uint64

// String implements the stringer interface.
func (n Magic) String() string {
	switch n {
	case PrivNet:
		return "privnet"
	case TestNet:
		return "testnet"
	case MainNet:
		return "mainnet"
	case UnitTestNet:
		return "unit_testnet"
	default:
		return "chain " + strconv.FormatUint(uint64(n), 10)
	}
}
