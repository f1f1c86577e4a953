package model

import (
	"github.com/shopspring/decimal"
)

// WalletUser 平台用户及其托管钱包
//
// Balance 仅由余额刷新写入, 始终以链上 balanceOf 为准。
type WalletUser struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string          `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null" json:"user_id"`
	Address   string          `gorm:"column:address;type:varchar(42);uniqueIndex;not null" json:"address"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(78,0);not null;default:0" json:"balance"`
	SyncedAt  int64           `gorm:"column:synced_at;type:bigint;not null;default:0" json:"synced_at"`
	CreatedAt int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (WalletUser) TableName() string {
	return "chain_wallet_users"
}
