package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skillmarket/market-chain/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRepository 同步检查点仓储接口
type CheckpointRepository interface {
	Get(ctx context.Context, name string) (*model.SyncCheckpoint, error)
	// Advance 推进检查点, 小于当前值时保持不变
	Advance(ctx context.Context, name string, blockNumber int64) error
	List(ctx context.Context) ([]*model.SyncCheckpoint, error)
}

// checkpointRepository 同步检查点仓储实现
type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建同步检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) Get(ctx context.Context, name string) (*model.SyncCheckpoint, error) {
	var checkpoint model.SyncCheckpoint
	err := r.DB(ctx).Where("name = ?", name).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Advance(ctx context.Context, name string, blockNumber int64) error {
	now := time.Now().UnixMilli()
	table := model.SyncCheckpoint{}.TableName()
	checkpoint := &model.SyncCheckpoint{
		Name:        name,
		BlockNumber: blockNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Set{
			{
				Column: clause.Column{Name: "block_number"},
				Value: gorm.Expr(fmt.Sprintf(
					`CASE WHEN excluded.block_number > "%s".block_number THEN excluded.block_number ELSE "%s".block_number END`,
					table, table)),
			},
			{
				Column: clause.Column{Name: "updated_at"},
				Value:  gorm.Expr("excluded.updated_at"),
			},
		},
	}).Create(checkpoint).Error
}

func (r *checkpointRepository) List(ctx context.Context) ([]*model.SyncCheckpoint, error) {
	var checkpoints []*model.SyncCheckpoint
	err := r.DB(ctx).Order("name ASC").Find(&checkpoints).Error
	return checkpoints, err
}
