package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/karmacadabra/karma-go/pkg/config/netmode"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const userAgentFormat = "/karma-go:%s/"

// Version is the version of the agent binary, set at build time.
var Version string

// Config is the top level structure describing one agent process: the
// swarm-wide surfaces every agent shares and the agent-local application
// settings.
type Config struct {
	SwarmConfiguration       SwarmConfiguration       `yaml:"SwarmConfiguration"`
	ApplicationConfiguration ApplicationConfiguration `yaml:"ApplicationConfiguration"`
}

// GenerateUserAgent creates a user agent string based on the build time
// environment.
func (c Config) GenerateUserAgent() string {
	return fmt.Sprintf(userAgentFormat, Version)
}

// Env holds the process environment variables recognized by every agent
// binary. They override the corresponding file-based settings, letting a
// deployment ship one YAML file and differentiate replicas via environment
// only.
type Env struct {
	AgentName      string `envconfig:"AGENT_NAME"`
	WalletAddress  string `envconfig:"WALLET_ADDRESS"`
	PrivateKey     string `envconfig:"PRIVATE_KEY"`
	SwarmSeed      string `envconfig:"SWARM_SEED"`
	MarketplaceURL string `envconfig:"MARKETPLACE_URL"`
	FacilitatorURL string `envconfig:"FACILITATOR_URL"`
	ChainRPCURL    string `envconfig:"CHAIN_RPC_URL"`
	ChatServer     string `envconfig:"CHAT_SERVER"`
	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY"`
}

// Load attempts to load the config from the given path and applies the
// environment on top. A `.env` file next to the config (or in the working
// directory) is honoured when present.
func Load(path string, netMode netmode.Magic) (Config, error) {
	configPath := filepath.Join(path, fmt.Sprintf("karma.%s.yml", netMode))
	return LoadFile(configPath)
}

// Defaults returns a configuration carrying only the built-in defaults
// and the process environment, without validating it. The CLI overlays
// flags on top of this when no configuration file exists and validates
// the result itself.
func Defaults() (Config, error) {
	config := Config{
		SwarmConfiguration:       defaultSwarmConfiguration(),
		ApplicationConfiguration: defaultApplicationConfiguration(),
	}
	if err := config.applyEnvironment(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadFile loads the config from the given file and applies the environment
// on top.
func LoadFile(configPath string) (Config, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	config := Config{
		SwarmConfiguration:       defaultSwarmConfiguration(),
		ApplicationConfiguration: defaultApplicationConfiguration(),
	}
	if err = yaml.Unmarshal(configData, &config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if err = config.applyEnvironment(); err != nil {
		return Config{}, err
	}
	if err = config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// applyEnvironment loads a `.env` file if one exists and overlays the
// recognized process environment variables onto the config.
func (c *Config) applyEnvironment() error {
	// Missing .env is fine, agents in containers get a real environment.
	_ = godotenv.Load()

	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if env.AgentName != "" {
		c.ApplicationConfiguration.Name = env.AgentName
	}
	if env.WalletAddress != "" {
		c.ApplicationConfiguration.Wallet.Address = env.WalletAddress
	}
	if env.PrivateKey != "" {
		c.ApplicationConfiguration.Wallet.PrivateKey = env.PrivateKey
	}
	if env.SwarmSeed != "" {
		c.ApplicationConfiguration.Wallet.Mnemonic = env.SwarmSeed
	}
	if env.MarketplaceURL != "" {
		c.SwarmConfiguration.Marketplace.URL = env.MarketplaceURL
	}
	if env.FacilitatorURL != "" {
		c.SwarmConfiguration.Facilitator.URL = env.FacilitatorURL
	}
	if env.ChainRPCURL != "" {
		c.SwarmConfiguration.Chain.RPCURL = env.ChainRPCURL
	}
	if env.ChatServer != "" {
		c.SwarmConfiguration.Chat.Server = env.ChatServer
	}
	if env.OpenAIAPIKey != "" {
		c.ApplicationConfiguration.Transform.APIKey = env.OpenAIAPIKey
	}
	return nil
}

// Validate checks the sections an agent cannot run without.
func (c Config) Validate() error {
	if err := c.SwarmConfiguration.Validate(); err != nil {
		return err
	}
	return c.ApplicationConfiguration.Validate()
}
