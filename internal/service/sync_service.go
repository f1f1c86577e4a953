// ========================================
// 链上事件同步
// ========================================
//
// 五个同步器 (transfer / deal_created / deal_validated / deal_cancelled /
// service_created) 共用 EventSynchronizer, 每个实例独立推进自己的检查点。
//
// ## 单次 Sync 流程
// 1. 读取检查点: chain_sync_checkpoints -> 账本中该事件的最大区块 -> sync.start_block
// 2. 检查点 +1 交给 BlockResolver, 得到可查询的 fromBlock
// 3. 按 max_block_range 分段查询 fromBlock..链头 的日志
// 4. 丢弃区块号 <= 检查点的日志 (边界重复投递)
// 5. 解码并写入账本, 与检查点推进在同一个数据库事务中提交
// 6. 提交后依次执行通知和余额刷新, 单条失败只记录日志
//
// ## ServiceCreated
// 只要存在已提交 (tx_hash) 但未确认 (blockchain_id) 的服务, 就从 start_block 全量重扫,
// 按交易哈希匹配服务并写入 blockchain_id。没有待确认服务时跳过。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/skillmarket/market-chain/internal/contract"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
)

// 同步器名称, 同时作为检查点名称
const (
	SyncerTransfer       = "transfer"
	SyncerDealCreated    = "deal_created"
	SyncerDealValidated  = "deal_validated"
	SyncerDealCancelled  = "deal_cancelled"
	SyncerServiceCreated = "service_created"
)

// commitRetries 批量写入与检查点推进的事务重试次数
const commitRetries = 3

// LogReader 日志查询, 由 *blockchain.Client 实现
type LogReader interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// HeightResolver 区块高度解析, 由 *blockchain.BlockResolver 实现
type HeightResolver interface {
	LatestBlock(ctx context.Context) (uint64, error)
	Resolve(ctx context.Context, height uint64) (uint64, error)
}

// EventDecoder 日志解码, 由 *contract.Decoder 实现
type EventDecoder interface {
	Decode(log types.Log) (contract.Event, error)
}

// BalanceRefresher 余额刷新
type BalanceRefresher interface {
	Refresh(ctx context.Context, address string) error
}

// SyncDeps 同步器共享依赖
type SyncDeps struct {
	Logs           LogReader
	Resolver       HeightResolver
	Decoder        EventDecoder
	Transactor     repository.Transactor
	TxRepo         repository.TransactionRepository
	CheckpointRepo repository.CheckpointRepository
	ServiceRepo    repository.ServiceRepository
	Notifier       *Notifier
	Balances       BalanceRefresher
}

// SyncConfig 同步配置
type SyncConfig struct {
	TokenAddress       common.Address
	MarketplaceAddress common.Address
	// StartBlock 没有任何检查点时的起始区块, 也是 ServiceCreated 全量重扫的起点
	StartBlock uint64
	// MaxBlockRange 单次 FilterLogs 的最大区块跨度
	MaxBlockRange uint64
}

// SyncStatus 同步器状态
type SyncStatus struct {
	Name          string `json:"name"`
	Event         string `json:"event"`
	Checkpoint    int64  `json:"checkpoint"`
	HasCheckpoint bool   `json:"has_checkpoint"`
	Running       bool   `json:"running"`
	LastRunAt     int64  `json:"last_run_at"`
	LastInserted  int    `json:"last_inserted"`
	LastError     string `json:"last_error,omitempty"`
}

// EventSynchronizer 单个事件类型的同步器
type EventSynchronizer struct {
	name       string
	event      model.ChainEventKind
	address    common.Address
	topic      common.Hash
	fullRescan bool

	deps          *SyncDeps
	startBlock    uint64
	maxBlockRange uint64

	running atomic.Bool

	mu           sync.RWMutex
	lastRunAt    int64
	lastInserted int
	lastError    string

	afterSync func(ctx context.Context)
}

// NewSynchronizers 创建五个同步器
func NewSynchronizers(deps *SyncDeps, cfg *SyncConfig) ([]*EventSynchronizer, error) {
	decoder := contract.NewDecoder()
	topic := func(name string) (common.Hash, error) {
		h, ok := decoder.Topic(name)
		if !ok {
			return common.Hash{}, fmt.Errorf("unknown event %s", name)
		}
		return h, nil
	}

	maxRange := cfg.MaxBlockRange
	if maxRange == 0 {
		maxRange = 2000
	}

	specs := []struct {
		name       string
		event      model.ChainEventKind
		abiName    string
		address    common.Address
		fullRescan bool
	}{
		{SyncerTransfer, model.ChainEventTransfer, "Transfer", cfg.TokenAddress, false},
		{SyncerDealCreated, model.ChainEventDealCreated, "DealCreated", cfg.MarketplaceAddress, false},
		{SyncerDealValidated, model.ChainEventDealValidated, "DealValidated", cfg.MarketplaceAddress, false},
		{SyncerDealCancelled, model.ChainEventDealCancelled, "DealCancelled", cfg.MarketplaceAddress, false},
		{SyncerServiceCreated, model.ChainEventServiceCreated, "ServiceCreated", cfg.MarketplaceAddress, true},
	}

	syncers := make([]*EventSynchronizer, 0, len(specs))
	for _, spec := range specs {
		t, err := topic(spec.abiName)
		if err != nil {
			return nil, err
		}
		syncers = append(syncers, &EventSynchronizer{
			name:          spec.name,
			event:         spec.event,
			address:       spec.address,
			topic:         t,
			fullRescan:    spec.fullRescan,
			deps:          deps,
			startBlock:    cfg.StartBlock,
			maxBlockRange: maxRange,
		})
	}
	return syncers, nil
}

// Name 同步器名称
func (s *EventSynchronizer) Name() string {
	return s.name
}

// Event 同步的事件类型
func (s *EventSynchronizer) Event() model.ChainEventKind {
	return s.event
}

// SetAfterSync 设置每轮同步结束后的回调 (服务注册修复)
func (s *EventSynchronizer) SetAfterSync(fn func(ctx context.Context)) {
	s.afterSync = fn
}

// Sync 执行一轮同步, 同一实例并发调用时返回 ErrSyncInProgress
func (s *EventSynchronizer) Sync(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrSyncInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	inserted, err := s.sync(ctx)

	s.mu.Lock()
	s.lastRunAt = time.Now().UnixMilli()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
		s.lastInserted = inserted
	}
	s.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		logger.Error("sync failed",
			zap.String("synchronizer", s.name),
			zap.Error(err))
	}
	metrics.RecordSyncRun(s.name, status, time.Since(start).Seconds())

	if s.afterSync != nil {
		s.afterSync(ctx)
	}

	return inserted, err
}

func (s *EventSynchronizer) sync(ctx context.Context) (int, error) {
	var pending map[string]*model.ServiceRecord
	if s.fullRescan {
		services, err := s.deps.ServiceRepo.ListPendingRegistration(ctx)
		if err != nil {
			return 0, err
		}
		if len(services) == 0 {
			return 0, nil
		}
		pending = make(map[string]*model.ServiceRecord, len(services))
		for _, svc := range services {
			if svc.TxHash != nil {
				pending[model.NormalizeHex(*svc.TxHash)] = svc
			}
		}
	}

	// 1. 检查点
	last, hasLast, err := s.checkpoint(ctx)
	if err != nil {
		return 0, err
	}

	tip, err := s.deps.Resolver.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}

	// 2. 起始区块
	fromBlock := s.startBlock
	if s.fullRescan {
		hasLast = false
	} else if hasLast {
		if fromBlock, err = s.deps.Resolver.Resolve(ctx, uint64(last)+1); err != nil {
			return 0, err
		}
	}
	if fromBlock > tip {
		return 0, nil
	}

	// 3. 查询日志
	logs, err := s.fetchLogs(ctx, fromBlock, tip)
	if err != nil {
		return 0, err
	}

	// 4/5. 过滤并解码
	events := make([]contract.Event, 0, len(logs))
	rows := make([]*model.ChainTransaction, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		if hasLast && int64(log.BlockNumber) <= last {
			continue
		}

		ev, err := s.deps.Decoder.Decode(log)
		if err != nil {
			metrics.RecordEventSkipped(s.name)
			logger.Warn("skip undecodable log",
				zap.String("synchronizer", s.name),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
			continue
		}

		row := project(ev)
		if row == nil || !s.matches(ev) {
			metrics.RecordEventSkipped(s.name)
			continue
		}
		events = append(events, ev)
		rows = append(rows, row)
	}

	inserted := 0
	err = s.deps.Transactor.TransactionWithRetry(ctx, commitRetries, func(ctx context.Context) error {
		if len(rows) > 0 {
			if inserted, err = s.deps.TxRepo.UpsertBatch(ctx, rows); err != nil {
				return err
			}
		}
		return s.deps.CheckpointRepo.Advance(ctx, s.name, int64(tip))
	})
	if err != nil {
		return 0, err
	}
	metrics.UpdateCheckpoint(s.name, int64(tip))
	metrics.RecordEventsSynced(string(s.event), len(rows))

	// 6. 提交后的副作用, 依次执行
	for _, ev := range events {
		s.apply(ctx, ev, pending)
	}

	logger.Info("sync pass completed",
		zap.String("synchronizer", s.name),
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", tip),
		zap.Int("events", len(events)),
		zap.Int("inserted", inserted))

	return inserted, nil
}

// checkpoint 显式检查点优先, 没有时退回账本中该事件的最大区块
func (s *EventSynchronizer) checkpoint(ctx context.Context) (int64, bool, error) {
	cp, err := s.deps.CheckpointRepo.Get(ctx, s.name)
	if err == nil {
		return cp.BlockNumber, true, nil
	}
	if !errors.Is(err, repository.ErrCheckpointNotFound) {
		return 0, false, err
	}

	event := s.event
	return s.deps.TxRepo.MaxBlock(ctx, &model.TransactionFilter{Event: &event})
}

// fetchLogs 按 maxBlockRange 分段查询
func (s *EventSynchronizer) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	var all []types.Log
	for start := from; start <= to; start += s.maxBlockRange {
		end := start + s.maxBlockRange - 1
		if end > to {
			end = to
		}

		logs, err := s.deps.Logs.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{s.address},
			Topics:    [][]common.Hash{{s.topic}},
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		all = append(all, logs...)
	}
	return all, nil
}

// matches 日志解码出的事件是否属于本同步器
func (s *EventSynchronizer) matches(ev contract.Event) bool {
	switch e := ev.(type) {
	case *contract.TransferEvent:
		return s.event == model.ChainEventTransfer
	case *contract.DealEvent:
		return string(s.event) == string(e.Kind)
	case *contract.ServiceCreatedEvent:
		return s.event == model.ChainEventServiceCreated
	}
	return false
}

// project 事件到账本记录
func project(ev contract.Event) *model.ChainTransaction {
	raw := ev.RawLog()
	row := &model.ChainTransaction{
		Hash:  raw.TxHash.Hex(),
		Block: model.Ptr(int64(raw.BlockNumber)),
	}

	switch e := ev.(type) {
	case *contract.TransferEvent:
		row.Event = model.Ptr(model.ChainEventTransfer)
		row.TransferFrom = model.Ptr(hexAddress(e.From))
		row.TransferTo = model.Ptr(hexAddress(e.To))
		row.TransferAmount = model.Ptr(decimal.NewFromBigInt(e.Amount, 0))
		row.TargetID = model.Ptr(hexAddress(e.To))

	case *contract.DealEvent:
		row.Event = model.Ptr(model.ChainEventKind(e.Kind))
		row.DealID = model.Ptr(e.DealID.String())
		row.ServiceID = model.Ptr(e.ServiceID.String())
		row.ServiceBuyer = model.Ptr(hexAddress(e.Buyer))
		row.ServiceProvider = model.Ptr(hexAddress(e.Provider))
		row.TargetID = model.Ptr(e.DealID.String())

	case *contract.ServiceCreatedEvent:
		row.Event = model.Ptr(model.ChainEventServiceCreated)
		row.ServiceID = model.Ptr(e.ServiceID.String())
		row.ServiceProvider = model.Ptr(hexAddress(e.Provider))
		row.TargetID = model.Ptr(e.ServiceID.String())

	default:
		return nil
	}
	return row
}

// apply 执行事件的副作用
func (s *EventSynchronizer) apply(ctx context.Context, ev contract.Event, pending map[string]*model.ServiceRecord) {
	txHash := ev.RawLog().TxHash.Hex()

	switch e := ev.(type) {
	case *contract.TransferEvent:
		amount := e.Amount.String()
		to := hexAddress(e.To)
		if e.IsMint() {
			s.deps.Notifier.Notify(ctx, txHash, to, model.NotificationAirdropReceived, to, amount)
			s.refresh(ctx, to)
			return
		}
		from := hexAddress(e.From)
		s.deps.Notifier.Notify(ctx, txHash, from, model.NotificationTransferSent, to, amount)
		s.deps.Notifier.Notify(ctx, txHash, to, model.NotificationTransferReceived, from, amount)
		s.refresh(ctx, from)
		s.refresh(ctx, to)

	case *contract.DealEvent:
		kind := dealNotificationKind(e.Kind)
		dealID := e.DealID.String()
		s.deps.Notifier.Notify(ctx, txHash, hexAddress(e.Buyer), kind, dealID, "")
		s.deps.Notifier.Notify(ctx, txHash, hexAddress(e.Provider), kind, dealID, "")

	case *contract.ServiceCreatedEvent:
		serviceID := e.ServiceID.String()
		if svc, ok := pending[model.NormalizeHex(txHash)]; ok {
			if err := s.deps.ServiceRepo.SetBlockchainID(ctx, svc.ServiceID, serviceID); err != nil {
				logger.Error("failed to set service blockchain id",
					zap.String("service_id", svc.ServiceID),
					zap.String("blockchain_id", serviceID),
					zap.Error(err))
			} else {
				logger.Info("service registered on chain",
					zap.String("service_id", svc.ServiceID),
					zap.String("blockchain_id", serviceID),
					zap.String("tx_hash", txHash))
			}
		}
		s.deps.Notifier.Notify(ctx, txHash, hexAddress(e.Provider), model.NotificationServiceCreated, serviceID, "")
	}
}

func (s *EventSynchronizer) refresh(ctx context.Context, address string) {
	if s.deps.Balances == nil {
		return
	}
	if err := s.deps.Balances.Refresh(ctx, address); err != nil {
		logger.Error("failed to refresh balance after transfer",
			zap.String("address", address),
			zap.Error(err))
	}
}

// Status 同步器状态
func (s *EventSynchronizer) Status(ctx context.Context) (*SyncStatus, error) {
	status := &SyncStatus{
		Name:    s.name,
		Event:   string(s.event),
		Running: s.running.Load(),
	}

	s.mu.RLock()
	status.LastRunAt = s.lastRunAt
	status.LastInserted = s.lastInserted
	status.LastError = s.lastError
	s.mu.RUnlock()

	cp, err := s.deps.CheckpointRepo.Get(ctx, s.name)
	if err != nil && !errors.Is(err, repository.ErrCheckpointNotFound) {
		return nil, err
	}
	if cp != nil {
		status.Checkpoint = cp.BlockNumber
		status.HasCheckpoint = true
	}
	return status, nil
}

func dealNotificationKind(kind contract.DealEventKind) model.NotificationKind {
	switch kind {
	case contract.DealValidated:
		return model.NotificationDealValidated
	case contract.DealCancelled:
		return model.NotificationDealCancelled
	default:
		return model.NotificationDealCreated
	}
}

func hexAddress(addr common.Address) string {
	return model.NormalizeHex(addr.Hex())
}
