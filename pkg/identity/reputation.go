package identity

import (
	"context"
	"fmt"
	"math/big"
)

var reputationRegistryABI = mustParseABI(`[
	{"inputs":[{"name":"raterId","type":"uint256"},{"name":"clientId","type":"uint256"},{"name":"score","type":"uint8"}],"name":"rateClient","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"raterId","type":"uint256"},{"name":"validatorId","type":"uint256"},{"name":"score","type":"uint8"}],"name":"rateValidator","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agentId","type":"uint256"}],"name":"getSummary","outputs":[{"name":"count","type":"uint64"},{"name":"averageScore","type":"uint8"}],"stateMutability":"view","type":"function"}
]`)

// Summary is the on-chain rating aggregate for one agent.
type Summary struct {
	Count        uint64
	AverageScore uint8
}

// GetSummary reads the rating aggregate for the given agent id.
func (r *ReputationRegistry) GetSummary(ctx context.Context, agentID uint64) (Summary, error) {
	out, err := r.call(ctx, r.contract, reputationRegistryABI, "getSummary", new(big.Int).SetUint64(agentID))
	if err != nil {
		return Summary{}, fmt.Errorf("summary for agent %d: %w", agentID, err)
	}
	return Summary{
		Count:        out[0].(uint64),
		AverageScore: out[1].(uint8),
	}, nil
}

// RateClient records a server-side rating of the client agent after a
// settled transaction. Scores are 0..100.
func (r *ReputationRegistry) RateClient(ctx context.Context, raterID, clientID uint64, score uint8) error {
	_, err := r.transact(ctx, r.contract, reputationRegistryABI, "rateClient",
		new(big.Int).SetUint64(raterID), new(big.Int).SetUint64(clientID), score)
	return err
}

// RateValidator records a rating of the validator that scored a
// submission. Scores are 0..100.
func (r *ReputationRegistry) RateValidator(ctx context.Context, raterID, validatorID uint64, score uint8) error {
	_, err := r.transact(ctx, r.contract, reputationRegistryABI, "rateValidator",
		new(big.Int).SetUint64(raterID), new(big.Int).SetUint64(validatorID), score)
	return err
}
