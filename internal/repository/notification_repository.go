package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/skillmarket/market-chain/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationRepository 通知仓储接口
type NotificationRepository interface {
	// Create 写入通知, 同一 (tx_hash, address, kind) 已存在时返回 false
	Create(ctx context.Context, n *model.Notification) (bool, error)
	ListByAddress(ctx context.Context, address string, page *Pagination) ([]*model.Notification, error)
	// SetTimestampByTxHash 回填同一交易下所有通知的时间戳
	SetTimestampByTxHash(ctx context.Context, txHash string, timestamp int64) (int64, error)
}

// notificationRepository 通知仓储实现
type notificationRepository struct {
	*Repository
}

// NewNotificationRepository 创建通知仓储
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{
		Repository: NewRepository(db),
	}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) (bool, error) {
	now := time.Now().UnixMilli()
	if n.NotifyID == "" {
		n.NotifyID = uuid.NewString()
	}
	n.TxHash = model.NormalizeHex(n.TxHash)
	n.Address = model.NormalizeHex(n.Address)
	n.CreatedAt = now
	n.UpdatedAt = now

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "address"}, {Name: "kind"}},
		DoNothing: true,
	}).Create(n)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *notificationRepository) ListByAddress(ctx context.Context, address string, page *Pagination) ([]*model.Notification, error) {
	var notifications []*model.Notification
	query := r.DB(ctx).Model(&model.Notification{}).Where("address = ?", model.NormalizeHex(address))

	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}

	err := query.Order("id DESC").Find(&notifications).Error
	return notifications, err
}

func (r *notificationRepository) SetTimestampByTxHash(ctx context.Context, txHash string, timestamp int64) (int64, error) {
	result := r.DB(ctx).Model(&model.Notification{}).
		Where("tx_hash = ? AND timestamp IS NULL", model.NormalizeHex(txHash)).
		Updates(map[string]interface{}{
			"timestamp":  timestamp,
			"updated_at": time.Now().UnixMilli(),
		})
	return result.RowsAffected, result.Error
}
