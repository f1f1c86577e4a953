package model

// SyncCheckpoint 同步检查点
//
// 每个同步器一行, 与该批次账本写入在同一事务内推进, block_number 只增不减。
type SyncCheckpoint struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string `gorm:"column:name;type:varchar(64);uniqueIndex;not null" json:"name"`
	BlockNumber int64  `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (SyncCheckpoint) TableName() string {
	return "chain_sync_checkpoints"
}
