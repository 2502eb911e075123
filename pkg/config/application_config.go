package config

import (
	"errors"
	"fmt"
	"time"
)

// ApplicationConfiguration holds the agent-local settings: who this agent
// is, where its sovereign store lives and how its runtime services behave.
type ApplicationConfiguration struct {
	// Name is the stable, human-readable agent identifier.
	Name string `yaml:"Name"`
	// Role selects the per-tick behavior plan; see pkg/agent for the set.
	Role string `yaml:"Role"`
	// Domain is reported to the identity registry at registration time.
	Domain string `yaml:"Domain"`
	// DataDir roots the agent's sovereign local store.
	DataDir string `yaml:"DataDir"`

	// TickInterval is the heartbeat period.
	TickInterval time.Duration `yaml:"TickInterval"`
	// ReputationRefresh is the snapshot refresh cadence, independent of
	// the heartbeat.
	ReputationRefresh time.Duration `yaml:"ReputationRefresh"`

	Wallet WalletConfiguration `yaml:"Wallet"`

	// DailyBudget caps the value of authorizations signed per UTC day,
	// in decimal token units ("0.50" is fifty cents).
	DailyBudget string `yaml:"DailyBudget"`
	// PauseThreshold suspends purchases when the remaining day budget
	// drops below it, in decimal token units.
	PauseThreshold string `yaml:"PauseThreshold"`
	// RequestBounty is the bounty a consuming agent offers on the
	// request tasks it publishes, in decimal token units.
	RequestBounty string `yaml:"RequestBounty"`

	LogLevel string `yaml:"LogLevel"`
	LogPath  string `yaml:"LogPath"`
	// LogMaxSizeMB enables size-based rotation of LogPath when positive.
	LogMaxSizeMB int `yaml:"LogMaxSizeMB"`

	// Index selects the KV backend for the store's derived indexes.
	Index DBConfiguration `yaml:"Index"`

	Prometheus BasicService `yaml:"Prometheus"`
	Pprof      BasicService `yaml:"Pprof"`

	// Catalog lists the products a selling agent offers.
	Catalog []Product `yaml:"Catalog"`
	// SupplyChain lists, in purchase order, the products a consuming
	// agent assembles its aggregate artifact from.
	SupplyChain []string `yaml:"SupplyChain"`

	Validation ValidationConfiguration `yaml:"Validation"`
	Transform  TransformConfiguration  `yaml:"Transform"`
}

// WalletConfiguration resolves the agent key material. Either an explicit
// private key or a swarm mnemonic plus derivation index must be available
// at startup.
type WalletConfiguration struct {
	// Address is optional and, when set, cross-checked against the
	// resolved key.
	Address string `yaml:"Address"`
	// PrivateKey is an explicit hex-encoded secp256k1 key. Takes
	// precedence over the mnemonic.
	PrivateKey string `yaml:"PrivateKey"`
	// Mnemonic is the swarm seed phrase; usually injected via SWARM_SEED.
	Mnemonic string `yaml:"Mnemonic"`
	// MnemonicPath reads the seed phrase from a secret file instead.
	MnemonicPath string `yaml:"MnemonicPath"`
	// DerivationIndex selects the account under the swarm seed tree.
	DerivationIndex uint32 `yaml:"DerivationIndex"`
}

// Product describes one catalog entry of a selling agent.
type Product struct {
	Name        string `yaml:"Name"`
	Description string `yaml:"Description"`
	// Price in decimal token units.
	Price    string `yaml:"Price"`
	Evidence string `yaml:"Evidence"`
	Category string `yaml:"Category"`
}

// ValidationConfiguration configures the validator role.
type ValidationConfiguration struct {
	// Fee billed per validation, in decimal token units.
	Fee string `yaml:"Fee"`
}

// TransformConfiguration configures the opaque transform step used by
// buyer-seller agents. The endpoint speaks the OpenAI-compatible chat
// completion surface; the core treats the result as bytes.
type TransformConfiguration struct {
	Endpoint string `yaml:"Endpoint"`
	Model    string `yaml:"Model"`
	APIKey   string `yaml:"-"`
	Prompt   string `yaml:"Prompt"`
}

// DBConfiguration selects the KV backend used for the store's derived
// indexes (nonce replay set, day spend, publication marks).
type DBConfiguration struct {
	Type string `yaml:"Type"`
}

func defaultApplicationConfiguration() ApplicationConfiguration {
	return ApplicationConfiguration{
		TickInterval:      5 * time.Minute,
		ReputationRefresh: 15 * time.Minute,
		Index:             DBConfiguration{Type: "boltdb"},
		DailyBudget:       "0",
		PauseThreshold:    "0",
		RequestBounty:     "0.01",
	}
}

// Validate checks the agent-local parameters an agent cannot run without.
func (a ApplicationConfiguration) Validate() error {
	if a.Name == "" {
		return errors.New("agent name is required (config Name or AGENT_NAME)")
	}
	if a.DataDir == "" {
		return errors.New("data directory is required")
	}
	if a.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", a.TickInterval)
	}
	switch a.Index.Type {
	case "", "boltdb", "leveldb", "inmemory":
	default:
		return fmt.Errorf("unknown index backend: %s", a.Index.Type)
	}
	return nil
}
