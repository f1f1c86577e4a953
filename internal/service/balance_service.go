package service

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

// BalanceReader 读取链上代币余额, 由 *contract.TokenContract 实现
type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// BalanceService 余额刷新服务
//
// 缓存余额只由这里写入, 每次直接以链上 balanceOf 覆盖。
type BalanceService struct {
	token     BalanceReader
	userRepo  repository.UserRepository
	publisher EventPublisher
}

// NewBalanceService 创建余额刷新服务
func NewBalanceService(token BalanceReader, userRepo repository.UserRepository, publisher EventPublisher) *BalanceService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &BalanceService{
		token:     token,
		userRepo:  userRepo,
		publisher: publisher,
	}
}

// Refresh 刷新单个钱包余额, 未登记的地址直接忽略
func (s *BalanceService) Refresh(ctx context.Context, address string) error {
	address = model.NormalizeHex(address)
	if !common.IsHexAddress(address) {
		return ErrInvalidAddress
	}

	user, err := s.userRepo.GetByAddress(ctx, address)
	if errors.Is(err, repository.ErrUserNotFound) {
		logger.Debug("balance refresh skipped, unknown wallet", zap.String("address", address))
		return nil
	}
	if err != nil {
		metrics.RecordBalanceRefresh("error")
		return err
	}

	raw, err := s.token.BalanceOf(ctx, common.HexToAddress(address))
	if err != nil {
		metrics.RecordBalanceRefresh("error")
		return err
	}
	balance := decimal.NewFromBigInt(raw, 0)

	if err := s.userRepo.UpdateBalance(ctx, address, balance); err != nil {
		metrics.RecordBalanceRefresh("error")
		return err
	}
	metrics.RecordBalanceRefresh("success")

	if !balance.Equal(user.Balance) {
		logger.Info("wallet balance updated",
			zap.String("address", address),
			zap.String("previous", user.Balance.String()),
			zap.String("balance", balance.String()))
	}

	msg := &model.BalanceUpdatedMessage{
		Address:  address,
		UserID:   user.UserID,
		Previous: user.Balance.String(),
		Balance:  balance.String(),
		SyncedAt: time.Now().UnixMilli(),
	}
	if err := s.publisher.PublishBalanceUpdated(ctx, msg); err != nil {
		logger.Warn("failed to publish balance update",
			zap.String("address", address),
			zap.Error(err))
	}

	return nil
}

// RefreshAll 依次刷新全部已登记钱包, 单个失败不影响其余
func (s *BalanceService) RefreshAll(ctx context.Context) (int, error) {
	addresses, err := s.userRepo.ListAddresses(ctx)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, address := range addresses {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if err := s.Refresh(ctx, address); err != nil {
			logger.Error("failed to refresh balance",
				zap.String("address", address),
				zap.Error(err))
			continue
		}
		refreshed++
	}

	logger.Info("wallet balances refreshed",
		zap.Int("total", len(addresses)),
		zap.Int("refreshed", refreshed))

	return refreshed, nil
}
