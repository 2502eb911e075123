package identity

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/keys"
	"go.uber.org/zap"
)

// The registry surface used here is the minimal one the swarm deploys:
// newAgent assigns an id to (domain, address), resolveByAddress looks the
// record up. Deployments with richer registries keep these entry points.
var identityRegistryABI = mustParseABI(`[
	{"inputs":[{"name":"agentDomain","type":"string"},{"name":"agentAddress","type":"address"}],"name":"newAgent","outputs":[{"name":"agentId","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agentAddress","type":"address"}],"name":"resolveByAddress","outputs":[{"name":"agentId","type":"uint256"},{"name":"agentDomain","type":"string"},{"name":"agentAddress","type":"address"}],"stateMutability":"view","type":"function"}
]`)

// AgentInfo is the registry's record for one agent.
type AgentInfo struct {
	ID      uint64         `json:"agent_id"`
	Domain  string         `json:"agent_domain"`
	Address common.Address `json:"agent_address"`
}

// Registry is the identity registry client bound to one agent key.
type Registry struct {
	*client
	contract common.Address
}

// ReputationRegistry is the feedback registry client bound to the same
// key.
type ReputationRegistry struct {
	*client
	contract common.Address
}

// NewRegistries dials the chain RPC once and returns clients for both
// registries. The reputation registry is optional; a deployment without
// one gets a nil ReputationRegistry and the reputation layer treats the
// on-chain source as unavailable.
func NewRegistries(cfg config.ChainConfiguration, priv *keys.PrivateKey, log *zap.Logger) (*Registry, *ReputationRegistry, error) {
	if cfg.RPCURL == "" {
		return nil, nil, errors.New("chain RPC URL is not configured")
	}
	if cfg.IdentityRegistry == "" {
		return nil, nil, errors.New("identity registry address is not configured")
	}
	c, err := dial(cfg, priv, log)
	if err != nil {
		return nil, nil, err
	}
	reg := &Registry{client: c, contract: common.HexToAddress(cfg.IdentityRegistry)}
	var rep *ReputationRegistry
	if cfg.ReputationRegistry != "" {
		rep = &ReputationRegistry{client: c, contract: common.HexToAddress(cfg.ReputationRegistry)}
	}
	return reg, rep, nil
}

// ResolveByAddress looks up the registry record for the given address.
func (r *Registry) ResolveByAddress(ctx context.Context, addr common.Address) (AgentInfo, error) {
	out, err := r.call(ctx, r.contract, identityRegistryABI, "resolveByAddress", addr)
	if err != nil {
		if isRevert(err) {
			return AgentInfo{}, ErrNotRegistered
		}
		return AgentInfo{}, err
	}
	id := out[0].(*big.Int)
	if id.Sign() == 0 {
		return AgentInfo{}, ErrNotRegistered
	}
	if !id.IsUint64() {
		return AgentInfo{}, fmt.Errorf("agent id out of range: %s", id)
	}
	return AgentInfo{
		ID:      id.Uint64(),
		Domain:  out[1].(string),
		Address: out[2].(common.Address),
	}, nil
}

// Register submits newAgent for our own address and returns the assigned
// record.
func (r *Registry) Register(ctx context.Context, domain string) (AgentInfo, error) {
	receipt, err := r.transact(ctx, r.contract, identityRegistryABI, "newAgent", domain, r.owner)
	if err != nil {
		return AgentInfo{}, fmt.Errorf("register: %w", err)
	}
	r.log.Info("registered on identity registry",
		zap.String("domain", domain),
		zap.Stringer("tx", receipt.TxHash))
	return r.ResolveByAddress(ctx, r.owner)
}

// EnsureRegistered resolves our own record, registering first when the
// registry has none. The second return reports whether a registration
// happened.
func (r *Registry) EnsureRegistered(ctx context.Context, domain string) (AgentInfo, bool, error) {
	info, err := r.ResolveByAddress(ctx, r.owner)
	if err == nil {
		return info, false, nil
	}
	if !errors.Is(err, ErrNotRegistered) {
		return AgentInfo{}, false, err
	}
	info, err = r.Register(ctx, domain)
	return info, err == nil, err
}

// Owner returns the address the client signs with.
func (r *Registry) Owner() common.Address {
	return r.owner
}
