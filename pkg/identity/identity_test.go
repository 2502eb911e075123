package identity

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/config/netmode"
	"github.com/karmacadabra/karma-go/pkg/keys"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend implements Backend in memory: resolveByAddress and
// getSummary answer from maps, newAgent mutates them, every write mines
// instantly.
type fakeBackend struct {
	mu        sync.Mutex
	calls     int
	failCalls int
	nextID    uint64
	records   map[common.Address]AgentInfo
	summaries map[uint64]Summary
	receipts  map[common.Hash]*types.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nextID:    1,
		records:   make(map[common.Address]AgentInfo),
		summaries: make(map[uint64]Summary),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failCalls > 0 {
		f.failCalls--
		return nil, errors.New("connection refused")
	}

	resolve := identityRegistryABI.Methods["resolveByAddress"]
	summary := reputationRegistryABI.Methods["getSummary"]
	switch {
	case bytes.Equal(msg.Data[:4], resolve.ID):
		in, err := resolve.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		rec, ok := f.records[in[0].(common.Address)]
		if !ok {
			return nil, errors.New("execution reverted: agent not found")
		}
		return resolve.Outputs.Pack(new(big.Int).SetUint64(rec.ID), rec.Domain, rec.Address)
	case bytes.Equal(msg.Data[:4], summary.ID):
		in, err := summary.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		s := f.summaries[in[0].(*big.Int).Uint64()]
		return summary.Outputs.Pack(s.Count, s.AverageScore)
	}
	return nil, errors.New("unknown method")
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 1, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	newAgent := identityRegistryABI.Methods["newAgent"]
	if bytes.Equal(tx.Data()[:4], newAgent.ID) {
		in, err := newAgent.Inputs.Unpack(tx.Data()[4:])
		if err != nil {
			return err
		}
		addr := in[1].(common.Address)
		f.records[addr] = AgentInfo{ID: f.nextID, Domain: in[0].(string), Address: addr}
		f.nextID++
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

var testChainCfg = config.ChainConfiguration{
	ChainID:        netmode.UnitTestNet,
	RequestTimeout: time.Second,
	RetryLimit:     3,
}

func newTestRegistries(t *testing.T, fb *fakeBackend) (*Registry, *ReputationRegistry, *keys.PrivateKey) {
	t.Helper()
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	c, err := newClient(fb, testChainCfg, priv, zap.NewNop())
	require.NoError(t, err)
	reg := &Registry{client: c, contract: common.Address{0xaa}}
	rep := &ReputationRegistry{client: c, contract: common.Address{0xbb}}
	return reg, rep, priv
}

func TestResolveByAddress(t *testing.T) {
	fb := newFakeBackend()
	reg, _, priv := newTestRegistries(t, fb)
	fb.records[priv.Address()] = AgentInfo{ID: 7, Domain: "agent.example", Address: priv.Address()}

	info, err := reg.ResolveByAddress(context.Background(), priv.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(7), info.ID)
	require.Equal(t, "agent.example", info.Domain)
	require.Equal(t, priv.Address(), info.Address)
}

func TestResolveNotRegistered(t *testing.T) {
	fb := newFakeBackend()
	reg, _, priv := newTestRegistries(t, fb)

	_, err := reg.ResolveByAddress(context.Background(), priv.Address())
	require.ErrorIs(t, err, ErrNotRegistered)
	// A revert is permanent: exactly one call, no retries.
	require.Equal(t, 1, fb.calls)
}

func TestResolveZeroIDNotRegistered(t *testing.T) {
	fb := newFakeBackend()
	reg, _, priv := newTestRegistries(t, fb)
	fb.records[priv.Address()] = AgentInfo{ID: 0, Address: priv.Address()}

	_, err := reg.ResolveByAddress(context.Background(), priv.Address())
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestCallRetriesTransientErrors(t *testing.T) {
	fb := newFakeBackend()
	reg, _, priv := newTestRegistries(t, fb)
	fb.records[priv.Address()] = AgentInfo{ID: 3, Domain: "d", Address: priv.Address()}
	fb.failCalls = 2

	info, err := reg.ResolveByAddress(context.Background(), priv.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.ID)
	require.Equal(t, 3, fb.calls)
}

func TestEnsureRegistered(t *testing.T) {
	fb := newFakeBackend()
	reg, _, priv := newTestRegistries(t, fb)

	info, created, err := reg.EnsureRegistered(context.Background(), "agent.example")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, uint64(1), info.ID)
	require.Equal(t, "agent.example", info.Domain)
	require.Equal(t, priv.Address(), info.Address)

	// Second start resolves the cached record without registering again.
	info2, created, err := reg.EnsureRegistered(context.Background(), "agent.example")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, info.ID, info2.ID)
}

func TestReputationSummary(t *testing.T) {
	fb := newFakeBackend()
	_, rep, _ := newTestRegistries(t, fb)
	fb.summaries[9] = Summary{Count: 12, AverageScore: 87}

	s, err := rep.GetSummary(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, uint64(12), s.Count)
	require.Equal(t, uint8(87), s.AverageScore)
}

func TestRate(t *testing.T) {
	fb := newFakeBackend()
	_, rep, _ := newTestRegistries(t, fb)

	require.NoError(t, rep.RateClient(context.Background(), 1, 2, 95))
	require.NoError(t, rep.RateValidator(context.Background(), 1, 3, 80))
	require.Len(t, fb.receipts, 2)
}
