package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skillmarket/market-chain/internal/model"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("wallet user not found")

// UserRepository 钱包用户仓储接口
type UserRepository interface {
	Create(ctx context.Context, user *model.WalletUser) error
	GetByAddress(ctx context.Context, address string) (*model.WalletUser, error)
	GetByUserID(ctx context.Context, userID string) (*model.WalletUser, error)
	ListAddresses(ctx context.Context) ([]string, error)
	UpdateBalance(ctx context.Context, address string, balance decimal.Decimal) error
}

// userRepository 钱包用户仓储实现
type userRepository struct {
	*Repository
}

// NewUserRepository 创建钱包用户仓储
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{
		Repository: NewRepository(db),
	}
}

func (r *userRepository) Create(ctx context.Context, user *model.WalletUser) error {
	now := time.Now().UnixMilli()
	user.Address = model.NormalizeHex(user.Address)
	user.CreatedAt = now
	user.UpdatedAt = now
	return r.DB(ctx).Create(user).Error
}

func (r *userRepository) GetByAddress(ctx context.Context, address string) (*model.WalletUser, error) {
	return r.first(ctx, "address = ?", model.NormalizeHex(address))
}

func (r *userRepository) GetByUserID(ctx context.Context, userID string) (*model.WalletUser, error) {
	return r.first(ctx, "user_id = ?", userID)
}

func (r *userRepository) first(ctx context.Context, query string, arg interface{}) (*model.WalletUser, error) {
	var user model.WalletUser
	err := r.DB(ctx).Where(query, arg).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) ListAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	err := r.DB(ctx).Model(&model.WalletUser{}).
		Order("id ASC").
		Pluck("address", &addresses).Error
	return addresses, err
}

func (r *userRepository) UpdateBalance(ctx context.Context, address string, balance decimal.Decimal) error {
	now := time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.WalletUser{}).
		Where("address = ?", model.NormalizeHex(address)).
		Updates(map[string]interface{}{
			"balance":    balance,
			"synced_at":  now,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
