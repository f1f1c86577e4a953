package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat/Anvil 默认测试账户 #0 (勿用于生产)
const testSponsorKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// fakeBackend 模拟节点
type fakeBackend struct {
	mu      sync.Mutex
	chainID int64
	calls   map[string]int

	blockNumber    func() (uint64, error)
	headerByNumber func(n *big.Int) (*types.Header, error)
	receipt        func(h common.Hash) (*types.Receipt, error)
	sendTx         func(tx *types.Transaction) error
	filterLogs     func(q ethereum.FilterQuery) ([]types.Log, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: 31337, calls: make(map[string]int)}
}

func (f *fakeBackend) inc(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.inc("BlockNumber")
	if f.blockNumber != nil {
		return f.blockNumber()
	}
	return 0, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	f.inc("HeaderByNumber")
	if f.headerByNumber != nil {
		return f.headerByNumber(n)
	}
	return &types.Header{Number: n}, nil
}

func (f *fakeBackend) BlockByNumber(ctx context.Context, n *big.Int) (*types.Block, error) {
	f.inc("BlockByNumber")
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	f.inc("TransactionReceipt")
	if f.receipt != nil {
		return f.receipt(h)
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	f.inc("PendingNonceAt")
	return 0, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.inc("SuggestGasPrice")
	return big.NewInt(1e9), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.inc("EstimateGas")
	return 21000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.inc("SendTransaction")
	if f.sendTx != nil {
		return f.sendTx(tx)
	}
	return nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.inc("FilterLogs")
	if f.filterLogs != nil {
		return f.filterLogs(q)
	}
	return nil, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, n *big.Int) ([]byte, error) {
	f.inc("CallContract")
	return nil, nil
}

func (f *fakeBackend) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

func (f *fakeBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

func (f *fakeBackend) Close() {}

func newTestClient(t *testing.T, backend *fakeBackend, opts ...func(*ClientConfig)) *Client {
	t.Helper()
	cfg := &ClientConfig{
		ChainID:       31337,
		RPCURLs:       []string{"http://node-a"},
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
		Dial: func(ctx context.Context, url string) (Backend, error) {
			return backend, nil
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	t.Run("empty RPC URLs", func(t *testing.T) {
		_, err := NewClient(&ClientConfig{ChainID: 31337})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at least one RPC URL is required")
	})

	t.Run("invalid private key", func(t *testing.T) {
		_, err := NewClient(&ClientConfig{
			ChainID:    31337,
			PrivateKey: "invalid-key",
			RPCURLs:    []string{"http://localhost:8545"},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parse sponsor key")
	})

	t.Run("dial failure", func(t *testing.T) {
		_, err := NewClient(&ClientConfig{
			ChainID: 31337,
			RPCURLs: []string{"http://node-a", "http://node-b"},
			Dial: func(ctx context.Context, url string) (Backend, error) {
				return nil, errors.New("connection refused")
			},
		})
		assert.ErrorIs(t, err, ErrNoHealthyRPC)
	})

	t.Run("chain id mismatch", func(t *testing.T) {
		backend := newFakeBackend()
		backend.chainID = 1
		_, err := NewClient(&ClientConfig{
			ChainID: 31337,
			RPCURLs: []string{"http://node-a"},
			Dial: func(ctx context.Context, url string) (Backend, error) {
				return backend, nil
			},
		})
		assert.ErrorIs(t, err, ErrNoHealthyRPC)
	})
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	backend := newFakeBackend()
	attempts := 0
	backend.blockNumber = func() (uint64, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("429 too many requests")
		}
		return 42, nil
	}
	c := newTestClient(t, backend)

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, 3, backend.count("BlockNumber"))
}

func TestClient_RetriesExhausted(t *testing.T) {
	backend := newFakeBackend()
	backend.blockNumber = func() (uint64, error) {
		return 0, errors.New("i/o timeout")
	}
	c := newTestClient(t, backend)

	_, err := c.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Equal(t, 3, backend.count("BlockNumber"))
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)
	ctx := context.Background()

	_, err := c.TransactionReceipt(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ErrTxNotFound)
	assert.Equal(t, 1, backend.count("TransactionReceipt"))

	_, err = c.BlockByNumber(ctx, big.NewInt(5))
	assert.ErrorIs(t, err, ErrBlockNotFound)
	assert.Equal(t, 1, backend.count("BlockByNumber"))

	backend.headerByNumber = func(n *big.Int) (*types.Header, error) {
		return nil, errors.New("header not found")
	}
	_, err = c.HeaderByNumber(ctx, big.NewInt(5))
	assert.ErrorIs(t, err, ErrBlockNotFound)
	assert.Equal(t, 1, backend.count("HeaderByNumber"))
}

func TestClient_SubmissionRejections(t *testing.T) {
	tests := []struct {
		name    string
		nodeErr string
		want    error
	}{
		{"insufficient funds", "insufficient funds for gas * price + value", ErrInsufficientFunds},
		{"nonce too low", "nonce too low: next nonce 5, tx nonce 4", ErrNonceTooLow},
		{"nonce too high", "nonce too high", ErrNonceTooHigh},
		{"underpriced", "replacement transaction underpriced", ErrTxUnderpriced},
		{"revert", "execution reverted: role missing", ErrExecutionReverted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.sendTx = func(tx *types.Transaction) error {
				return errors.New(tt.nodeErr)
			}
			c := newTestClient(t, backend)

			err := c.SendTransaction(context.Background(), types.NewTx(&types.LegacyTx{}))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.nodeErr)
			assert.Equal(t, 1, backend.count("SendTransaction"))
		})
	}
}

func TestClient_MinRequestInterval(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, func(cfg *ClientConfig) {
		cfg.MinRequestInterval = 20 * time.Millisecond
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.SuggestGasPrice(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestClient_ContextCancelled(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, func(cfg *ClientConfig) {
		cfg.MinRequestInterval = time.Hour
	})

	// 第一次调用消耗令牌
	_, err := c.SuggestGasPrice(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.SuggestGasPrice(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, backend.count("SuggestGasPrice"))
}

func TestClient_SignTransaction(t *testing.T) {
	backend := newFakeBackend()

	t.Run("without key", func(t *testing.T) {
		c := newTestClient(t, backend)
		_, err := c.SignTransaction(types.NewTx(&types.LegacyTx{}))
		assert.ErrorIs(t, err, ErrSignerNotAvailable)
	})

	t.Run("with key", func(t *testing.T) {
		c := newTestClient(t, backend, func(cfg *ClientConfig) {
			cfg.PrivateKey = "0x" + testSponsorKey
		})
		assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), c.Address())

		signed, err := c.SignTransaction(types.NewTx(&types.LegacyTx{
			Nonce:    1,
			GasPrice: big.NewInt(1e9),
			Gas:      21000,
			To:       &common.Address{},
			Value:    big.NewInt(0),
		}))
		require.NoError(t, err)

		sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), signed)
		require.NoError(t, err)
		assert.Equal(t, c.Address(), sender)
	})
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, classifyError(nil))
	assert.ErrorIs(t, classifyError(ErrTxNotFound), ErrTxNotFound)

	plain := errors.New("connection reset by peer")
	assert.Equal(t, plain, classifyError(plain))
	assert.False(t, isPermanent(plain))
	assert.True(t, isPermanent(context.Canceled))
}
