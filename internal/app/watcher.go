package app

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/skillmarket/market-chain/pkg/logger"
)

var errSubscriptionClosed = errors.New("subscription closed")

// ChainSubscriber 推送订阅, 由 *blockchain.Client 实现
type ChainSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// WatcherConfig 订阅配置
type WatcherConfig struct {
	Token         common.Address
	TransferTopic common.Hash
	// Relayed 新区块中存在发往这些地址的交易时触发 OnRelayedBlock
	Relayed        []common.Address
	OnTransfer     func()
	OnRelayedBlock func()
	ReconnectDelay time.Duration
}

// Watcher 链上推送订阅
//
// 订阅只负责尽早触发同步, 漏掉的事件由定时轮询补齐。订阅断开后按固定间隔重连。
type Watcher struct {
	chain ChainSubscriber
	cfg   WatcherConfig
}

// NewWatcher 创建订阅器
func NewWatcher(chain ChainSubscriber, cfg WatcherConfig) *Watcher {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Watcher{chain: chain, cfg: cfg}
}

// Start 启动转账日志和新区块两个订阅, ctx 取消后退出
func (w *Watcher) Start(ctx context.Context) {
	go w.keepAlive(ctx, "transfer_logs", w.watchTransfers)
	go w.keepAlive(ctx, "new_heads", w.watchHeads)
}

func (w *Watcher) keepAlive(ctx context.Context, name string, watch func(ctx context.Context) error) {
	for {
		err := watch(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("subscription dropped, reconnecting",
			zap.String("subscription", name),
			zap.Duration("delay", w.cfg.ReconnectDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.ReconnectDelay):
		}
	}
}

func (w *Watcher) watchTransfers(ctx context.Context) error {
	logs := make(chan types.Log, 64)
	sub, err := w.chain.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{w.cfg.Token},
		Topics:    [][]common.Hash{{w.cfg.TransferTopic}},
	}, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case log := <-logs:
			if log.Removed {
				continue
			}
			w.cfg.OnTransfer()
		}
	}
}

func (w *Watcher) watchHeads(ctx context.Context) error {
	heads := make(chan *types.Header, 16)
	sub, err := w.chain.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case head := <-heads:
			block, err := w.chain.BlockByNumber(ctx, head.Number)
			if err != nil {
				logger.Warn("failed to fetch new block",
					zap.Uint64("block", head.Number.Uint64()),
					zap.Error(err))
				continue
			}
			if w.hasRelayedCall(block) {
				w.cfg.OnRelayedBlock()
			}
		}
	}
}

func (w *Watcher) hasRelayedCall(block *types.Block) bool {
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil {
			continue
		}
		for _, addr := range w.cfg.Relayed {
			if *to == addr {
				return true
			}
		}
	}
	return false
}
