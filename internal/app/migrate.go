package app

import (
	"gorm.io/gorm"

	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

// AutoMigrate 自动执行数据库迁移
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.ChainTransaction{},
		&model.SyncCheckpoint{},
		&model.WalletUser{},
		&model.ServiceRecord{},
		&model.Notification{},
	); err != nil {
		logger.Error("auto migration failed", zap.Error(err))
		return err
	}
	return nil
}
