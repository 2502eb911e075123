/*
Package identity talks to the two on-chain registries every swarm deploys:
the identity registry (agent id assignment and address resolution) and the
reputation registry (feedback acceptance and score summaries). The
contracts and the RPC endpoint come from the swarm configuration; nothing
about a particular chain is hard-coded.
*/
package identity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/keys"
	"go.uber.org/zap"
)

// ErrNotRegistered is returned when the registry has no record for the
// queried address.
var ErrNotRegistered = errors.New("agent is not registered")

// registerGasLimit covers newAgent and acceptFeedback; both write a few
// storage slots and emit one event.
const registerGasLimit = 300000

// Backend is the chain surface the registry clients need.
// *ethclient.Client implements it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

type client struct {
	backend Backend
	opts    *bind.TransactOpts
	owner   common.Address
	timeout time.Duration
	retries uint64
	log     *zap.Logger
}

func dial(cfg config.ChainConfiguration, priv *keys.PrivateKey, log *zap.Logger) (*client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain rpc: %w", err)
	}
	return newClient(eth, cfg, priv, log)
}

func newClient(backend Backend, cfg config.ChainConfiguration, priv *keys.PrivateKey, log *zap.Logger) (*client, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(&priv.PrivateKey, new(big.Int).SetUint64(uint64(cfg.ChainID)))
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	return &client{
		backend: backend,
		opts:    opts,
		owner:   priv.Address(),
		timeout: cfg.RequestTimeout,
		retries: uint64(cfg.RetryLimit),
		log:     log,
	}, nil
}

// call performs a read-only contract call with capped exponential retries.
// Reverts are permanent and surface immediately.
func (c *client) call(ctx context.Context, contract common.Address, cabi abi.ABI, method string, args ...any) ([]any, error) {
	data, err := cabi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var raw []byte
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		raw, err = c.backend.CallContract(callCtx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil && isRevert(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return cabi.Unpack(method, raw)
}

// transact packs, signs, sends and waits for one contract write.
func (c *client) transact(ctx context.Context, contract common.Address, cabi abi.ABI, method string, args ...any) (*types.Receipt, error) {
	data, err := cabi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.owner)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	tx := types.NewTransaction(nonce, contract, big.NewInt(0), registerGasLimit, gasPrice, data)
	signed, err := c.opts.Signer(c.owner, tx)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, c.backend, signed)
	if err != nil {
		return nil, fmt.Errorf("mine %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s reverted in tx %s", method, signed.Hash())
	}
	return receipt, nil
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "revert")
}

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}
