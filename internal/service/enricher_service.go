package service

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/skillmarket/market-chain/internal/blockchain"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

// ReceiptReader 交易回执查询, 由 *blockchain.Client 实现
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TimestampReader 区块时间戳查询, 由 *blockchain.BlockResolver 实现
type TimestampReader interface {
	BlockTimestamp(ctx context.Context, block uint64) (uint64, error)
}

// EnricherService 为缺少时间戳的账本记录回填区块和时间戳
//
// 未打包的交易和查询失败都留到下一轮, 不视为错误。每轮从上一轮停下的 id 之后继续,
// 扫到末尾后回到开头, 长期未打包的记录不会占满批次。
type EnricherService struct {
	receipts   ReceiptReader
	timestamps TimestampReader
	txRepo     repository.TransactionRepository
	notifRepo  repository.NotificationRepository
	batchSize  int

	mu     sync.Mutex
	cursor int64
}

// EnricherConfig 配置
type EnricherConfig struct {
	BatchSize int
}

// NewEnricherService 创建回填服务
func NewEnricherService(
	receipts ReceiptReader,
	timestamps TimestampReader,
	txRepo repository.TransactionRepository,
	notifRepo repository.NotificationRepository,
	cfg *EnricherConfig,
) *EnricherService {
	batchSize := 100
	if cfg != nil && cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	return &EnricherService{
		receipts:   receipts,
		timestamps: timestamps,
		txRepo:     txRepo,
		notifRepo:  notifRepo,
		batchSize:  batchSize,
	}
}

// Run 执行一轮回填, 返回补全的记录数
func (s *EnricherService) Run(ctx context.Context) (int, error) {
	if !s.mu.TryLock() {
		return 0, nil
	}
	defer s.mu.Unlock()

	rows, err := s.txRepo.ListMissingTimestamp(ctx, s.cursor, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) < s.batchSize {
		s.cursor = 0
	} else {
		s.cursor = rows[len(rows)-1].ID
	}

	enriched := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return enriched, ctx.Err()
		}
		ok, err := s.enrich(ctx, row)
		if err != nil {
			logger.Warn("enrich transaction failed, will retry next pass",
				zap.String("tx_hash", row.Hash),
				zap.Error(err))
			continue
		}
		if ok {
			enriched++
		}
	}

	if enriched > 0 {
		metrics.RecordEnriched(enriched)
		logger.Info("transactions enriched",
			zap.Int("candidates", len(rows)),
			zap.Int("enriched", enriched))
	}
	return enriched, nil
}

// enrich 回填单条记录, 交易尚未打包时返回 false
func (s *EnricherService) enrich(ctx context.Context, row *model.ChainTransaction) (bool, error) {
	var block uint64
	if row.Block != nil {
		block = uint64(*row.Block)
	} else {
		receipt, err := s.receipts.TransactionReceipt(ctx, common.HexToHash(row.Hash))
		if errors.Is(err, blockchain.ErrTxNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		block = receipt.BlockNumber.Uint64()
	}

	ts, err := s.timestamps.BlockTimestamp(ctx, block)
	if errors.Is(err, blockchain.ErrBlockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.txRepo.Upsert(ctx, &model.ChainTransaction{
		Hash:      row.Hash,
		Block:     model.Ptr(int64(block)),
		Timestamp: model.Ptr(int64(ts)),
	}); err != nil {
		return false, err
	}

	if _, err := s.notifRepo.SetTimestampByTxHash(ctx, row.Hash, int64(ts)); err != nil {
		logger.Warn("failed to propagate timestamp to notifications",
			zap.String("tx_hash", row.Hash),
			zap.Error(err))
	}
	return true, nil
}
