package repository

import (
	"context"
	"errors"
	"time"

	"github.com/skillmarket/market-chain/internal/model"
	"gorm.io/gorm"
)

var (
	ErrServiceNotFound       = errors.New("service not found")
	ErrServiceAlreadyUpdated = errors.New("service field already set")
)

// ServiceRepository 市场服务仓储接口
type ServiceRepository interface {
	Create(ctx context.Context, svc *model.ServiceRecord) error
	GetByServiceID(ctx context.Context, serviceID string) (*model.ServiceRecord, error)
	// ListUnregistered 尚未提交上链的服务 (tx_hash 为空)
	ListUnregistered(ctx context.Context, limit int) ([]*model.ServiceRecord, error)
	// ListPendingRegistration 已提交但未观察到 ServiceCreated 的服务
	ListPendingRegistration(ctx context.Context) ([]*model.ServiceRecord, error)
	SetTxHash(ctx context.Context, serviceID, txHash string) error
	SetBlockchainID(ctx context.Context, serviceID, blockchainID string) error
}

// serviceRepository 市场服务仓储实现
type serviceRepository struct {
	*Repository
}

// NewServiceRepository 创建市场服务仓储
func NewServiceRepository(db *gorm.DB) ServiceRepository {
	return &serviceRepository{
		Repository: NewRepository(db),
	}
}

func (r *serviceRepository) Create(ctx context.Context, svc *model.ServiceRecord) error {
	now := time.Now().UnixMilli()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	return r.DB(ctx).Create(svc).Error
}

func (r *serviceRepository) GetByServiceID(ctx context.Context, serviceID string) (*model.ServiceRecord, error) {
	var svc model.ServiceRecord
	err := r.DB(ctx).Where("service_id = ?", serviceID).First(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (r *serviceRepository) ListUnregistered(ctx context.Context, limit int) ([]*model.ServiceRecord, error) {
	var services []*model.ServiceRecord
	query := r.DB(ctx).Where("tx_hash IS NULL").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&services).Error
	return services, err
}

func (r *serviceRepository) ListPendingRegistration(ctx context.Context) ([]*model.ServiceRecord, error) {
	var services []*model.ServiceRecord
	err := r.DB(ctx).
		Where("tx_hash IS NOT NULL AND blockchain_id IS NULL").
		Order("id ASC").
		Find(&services).Error
	return services, err
}

// SetTxHash 仅在 tx_hash 为空时写入
func (r *serviceRepository) SetTxHash(ctx context.Context, serviceID, txHash string) error {
	return r.setOnce(ctx, serviceID, "tx_hash", model.NormalizeHex(txHash))
}

// SetBlockchainID 仅在 blockchain_id 为空时写入
func (r *serviceRepository) SetBlockchainID(ctx context.Context, serviceID, blockchainID string) error {
	return r.setOnce(ctx, serviceID, "blockchain_id", blockchainID)
}

func (r *serviceRepository) setOnce(ctx context.Context, serviceID, column, value string) error {
	result := r.DB(ctx).Model(&model.ServiceRecord{}).
		Where("service_id = ? AND "+column+" IS NULL", serviceID).
		Updates(map[string]interface{}{
			column:       value,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByServiceID(ctx, serviceID); err != nil {
			return err
		}
		return ErrServiceAlreadyUpdated
	}
	return nil
}
