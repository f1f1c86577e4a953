package service

import (
	"context"
	"errors"

	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

// Notifier 通知分发
//
// 只通知已登记的钱包。同一 (tx_hash, address, kind) 只写入和发布一次,
// 重扫或重复投递不会产生重复通知。
type Notifier struct {
	notifRepo repository.NotificationRepository
	userRepo  repository.UserRepository
	publisher EventPublisher
}

// NewNotifier 创建通知分发器
func NewNotifier(notifRepo repository.NotificationRepository, userRepo repository.UserRepository, publisher EventPublisher) *Notifier {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Notifier{
		notifRepo: notifRepo,
		userRepo:  userRepo,
		publisher: publisher,
	}
}

// Notify 写入并发布通知, 失败只记录日志
func (n *Notifier) Notify(ctx context.Context, txHash, address string, kind model.NotificationKind, targetID, amount string) bool {
	address = model.NormalizeHex(address)
	if address == model.ZeroAddress {
		return false
	}

	if _, err := n.userRepo.GetByAddress(ctx, address); err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			logger.Error("failed to look up notification recipient",
				zap.String("address", address),
				zap.Error(err))
		}
		return false
	}

	notification := &model.Notification{
		TxHash:   model.NormalizeHex(txHash),
		Address:  address,
		Kind:     kind,
		TargetID: targetID,
		Amount:   amount,
	}
	created, err := n.notifRepo.Create(ctx, notification)
	if err != nil {
		logger.Error("failed to create notification",
			zap.String("tx_hash", txHash),
			zap.String("address", address),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return false
	}
	if !created {
		return false
	}

	if err := n.publisher.PublishNotification(ctx, model.NewNotificationMessage(notification)); err != nil {
		logger.Warn("failed to publish notification",
			zap.String("notify_id", notification.NotifyID),
			zap.Error(err))
	}

	logger.Debug("notification dispatched",
		zap.String("tx_hash", notification.TxHash),
		zap.String("address", address),
		zap.String("kind", string(kind)))
	return true
}
