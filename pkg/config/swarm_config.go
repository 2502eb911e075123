package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/karmacadabra/karma-go/pkg/config/netmode"
)

// SwarmConfiguration describes the external surfaces all agents of one swarm
// share: the task marketplace, the settlement facilitator, the chain the
// registries and the stablecoin live on, and the chat transport.
type SwarmConfiguration struct {
	Marketplace MarketplaceConfiguration `yaml:"Marketplace"`
	Facilitator FacilitatorConfiguration `yaml:"Facilitator"`
	Chain       ChainConfiguration       `yaml:"Chain"`
	Token       TokenConfiguration       `yaml:"Token"`
	Chat        ChatConfiguration        `yaml:"Chat"`
}

// MarketplaceConfiguration holds the task/escrow API parameters.
type MarketplaceConfiguration struct {
	URL string `yaml:"URL"`
	// RequestTimeout bounds every single HTTP call.
	RequestTimeout time.Duration `yaml:"RequestTimeout"`
	// CallSpacing is the mandatory delay between consecutive outbound
	// calls; the marketplace rate limiter assumes it.
	CallSpacing time.Duration `yaml:"CallSpacing"`
	// RetryLimit caps retries of retryable failures within one call.
	RetryLimit int `yaml:"RetryLimit"`
	// MinBounty is the smallest bounty (in token smallest units) the
	// client will agree to publish.
	MinBounty uint64 `yaml:"MinBounty"`
}

// FacilitatorConfiguration holds the settlement executor parameters.
type FacilitatorConfiguration struct {
	URL            string        `yaml:"URL"`
	RequestTimeout time.Duration `yaml:"RequestTimeout"`
}

// ChainConfiguration describes the chain RPC endpoint and the registry
// contracts. The deployer supplies all values; the core never chooses a
// chain by itself.
type ChainConfiguration struct {
	RPCURL             string        `yaml:"RPCURL"`
	ChainID            netmode.Magic `yaml:"ChainID"`
	IdentityRegistry   string        `yaml:"IdentityRegistry"`
	ReputationRegistry string        `yaml:"ReputationRegistry"`
	RequestTimeout     time.Duration `yaml:"RequestTimeout"`
	// RetryLimit caps the capped-exponential-backoff retry loop around
	// chain reads before the agent degrades.
	RetryLimit int `yaml:"RetryLimit"`
}

// TokenConfiguration describes the stablecoin used for settlement. Nothing
// about the token is hard-coded: name, version, contract and precision all
// come from here and feed the typed-data domain separator bit-exactly.
type TokenConfiguration struct {
	Name     string `yaml:"Name"`
	Symbol   string `yaml:"Symbol"`
	Version  string `yaml:"Version"`
	Address  string `yaml:"Address"`
	Decimals int    `yaml:"Decimals"`
}

// ChatConfiguration describes the line-oriented chat transport.
type ChatConfiguration struct {
	Server  string `yaml:"Server"`
	UseTLS  bool   `yaml:"UseTLS"`
	Channel string `yaml:"Channel"`
	// OutboxSize bounds the per-channel send queue; overflow is dropped
	// and counted, never blocks the agent loop.
	OutboxSize int `yaml:"OutboxSize"`
}

func defaultSwarmConfiguration() SwarmConfiguration {
	return SwarmConfiguration{
		Marketplace: MarketplaceConfiguration{
			RequestTimeout: 30 * time.Second,
			CallSpacing:    500 * time.Millisecond,
			RetryLimit:     3,
			MinBounty:      10000, // one cent at six decimals
		},
		Facilitator: FacilitatorConfiguration{
			RequestTimeout: 30 * time.Second,
		},
		Chain: ChainConfiguration{
			RequestTimeout: 30 * time.Second,
			RetryLimit:     5,
		},
		Token: TokenConfiguration{
			Name:     "USD Coin",
			Symbol:   "USDC",
			Version:  "2",
			Decimals: 6,
		},
		Chat: ChatConfiguration{
			UseTLS:     true,
			Channel:    "#marketplace",
			OutboxSize: 32,
		},
	}
}

// Validate checks swarm-wide parameters for consistency.
func (s SwarmConfiguration) Validate() error {
	if s.Marketplace.URL == "" {
		return errors.New("Marketplace.URL is required")
	}
	if s.Token.Decimals < 0 || s.Token.Decimals > 77 {
		return fmt.Errorf("Token.Decimals out of range: %d", s.Token.Decimals)
	}
	if s.Marketplace.CallSpacing <= 0 {
		return errors.New("Marketplace.CallSpacing must be positive")
	}
	return nil
}
