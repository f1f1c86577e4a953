package model

// NotificationKind 通知类型
type NotificationKind string

const (
	NotificationAirdropReceived  NotificationKind = "airdrop_received"
	NotificationTransferSent     NotificationKind = "transfer_sent"
	NotificationTransferReceived NotificationKind = "transfer_received"
	NotificationDealCreated      NotificationKind = "deal_created"
	NotificationDealValidated    NotificationKind = "deal_validated"
	NotificationDealCancelled    NotificationKind = "deal_cancelled"
	NotificationServiceCreated   NotificationKind = "service_created"
)

// Notification 链上事件通知
// (tx_hash, address, kind) 唯一, 重复投递不会产生多条通知
type Notification struct {
	ID        int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	NotifyID  string           `gorm:"column:notify_id;type:varchar(36);uniqueIndex;not null" json:"notify_id"`
	TxHash    string           `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:uk_notification;not null" json:"tx_hash"`
	Address   string           `gorm:"column:address;type:varchar(42);uniqueIndex:uk_notification;not null" json:"address"`
	Kind      NotificationKind `gorm:"column:kind;type:varchar(32);uniqueIndex:uk_notification;not null" json:"kind"`
	TargetID  string           `gorm:"column:target_id;type:varchar(128)" json:"target_id,omitempty"`
	Amount    string           `gorm:"column:amount;type:varchar(78)" json:"amount,omitempty"`
	Timestamp *int64           `gorm:"column:timestamp;type:bigint" json:"timestamp,omitempty"` // 秒, 由 enricher 回填
	Read      bool             `gorm:"column:is_read;not null;default:false" json:"read"`
	CreatedAt int64            `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64            `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Notification) TableName() string {
	return "chain_notifications"
}
