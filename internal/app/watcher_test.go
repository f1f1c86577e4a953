package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	watchToken     = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	watchForwarder = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	watchTopic     = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	otherAddr      = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

// fakeSubscriber 每次订阅把推送通道交给测试, 通过 drop 通道模拟断线
type fakeSubscriber struct {
	logSinks  chan chan<- types.Log
	headSinks chan chan<- *types.Header
	dropLogs  chan error

	mu      sync.Mutex
	queries []ethereum.FilterQuery
	blocks  map[uint64]*types.Block
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		logSinks:  make(chan chan<- types.Log, 4),
		headSinks: make(chan chan<- *types.Header, 4),
		dropLogs:  make(chan error, 1),
		blocks:    make(map[uint64]*types.Block),
	}
}

func (f *fakeSubscriber) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	f.logSinks <- ch
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-f.dropLogs:
			return err
		}
	}), nil
}

func (f *fakeSubscriber) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	f.headSinks <- ch
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (f *fakeSubscriber) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.blocks[number.Uint64()]
	if !ok {
		return nil, errors.New("block not found")
	}
	return block, nil
}

func (f *fakeSubscriber) addBlock(number uint64, to ...common.Address) {
	txs := make([]*types.Transaction, 0, len(to))
	for i, addr := range to {
		addr := addr
		txs = append(txs, types.NewTx(&types.LegacyTx{
			Nonce:    uint64(i),
			To:       &addr,
			Gas:      21000,
			GasPrice: big.NewInt(1),
			Value:    big.NewInt(0),
		}))
	}
	header := &types.Header{Number: new(big.Int).SetUint64(number)}

	f.mu.Lock()
	f.blocks[number] = types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	f.mu.Unlock()
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	var zero T
	return zero
}

func startWatcher(t *testing.T, chain *fakeSubscriber, transfers, relayed *int64) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w := NewWatcher(chain, WatcherConfig{
		Token:          watchToken,
		TransferTopic:  watchTopic,
		Relayed:        []common.Address{watchForwarder},
		OnTransfer:     func() { atomic.AddInt64(transfers, 1) },
		OnRelayedBlock: func() { atomic.AddInt64(relayed, 1) },
		ReconnectDelay: 10 * time.Millisecond,
	})
	w.Start(ctx)
}

func TestWatcher_Transfers(t *testing.T) {
	chain := newFakeSubscriber()
	var transfers, relayed int64
	startWatcher(t, chain, &transfers, &relayed)

	sink := receive(t, chain.logSinks)

	chain.mu.Lock()
	require.Len(t, chain.queries, 1)
	assert.Equal(t, []common.Address{watchToken}, chain.queries[0].Addresses)
	assert.Equal(t, [][]common.Hash{{watchTopic}}, chain.queries[0].Topics)
	chain.mu.Unlock()

	// 回滚的日志不触发同步
	sink <- types.Log{Address: watchToken, Removed: true}
	sink <- types.Log{Address: watchToken}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&transfers) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&relayed))
}

func TestWatcher_Reconnect(t *testing.T) {
	chain := newFakeSubscriber()
	var transfers, relayed int64
	startWatcher(t, chain, &transfers, &relayed)

	receive(t, chain.logSinks)
	chain.dropLogs <- errors.New("websocket closed")

	// 断线后重新订阅
	sink := receive(t, chain.logSinks)
	sink <- types.Log{Address: watchToken}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&transfers) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_NewHeads(t *testing.T) {
	chain := newFakeSubscriber()
	chain.addBlock(10, otherAddr)
	chain.addBlock(11, otherAddr, watchForwarder)

	var transfers, relayed int64
	startWatcher(t, chain, &transfers, &relayed)

	sink := receive(t, chain.headSinks)

	sink <- &types.Header{Number: big.NewInt(10)}
	// 区块查询失败时跳过
	sink <- &types.Header{Number: big.NewInt(99)}
	sink <- &types.Header{Number: big.NewInt(11)}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&relayed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&transfers))
}
