package model

// NotificationMessage 通知消息 (Kafka: chain-notifications)
type NotificationMessage struct {
	NotifyID  string           `json:"notify_id"`
	TxHash    string           `json:"tx_hash"`
	Address   string           `json:"address"`
	Kind      NotificationKind `json:"kind"`
	TargetID  string           `json:"target_id,omitempty"`
	Amount    string           `json:"amount,omitempty"`
	CreatedAt int64            `json:"created_at"`
}

// NewNotificationMessage 由通知记录构造消息
func NewNotificationMessage(n *Notification) *NotificationMessage {
	return &NotificationMessage{
		NotifyID:  n.NotifyID,
		TxHash:    n.TxHash,
		Address:   n.Address,
		Kind:      n.Kind,
		TargetID:  n.TargetID,
		Amount:    n.Amount,
		CreatedAt: n.CreatedAt,
	}
}

// BalanceUpdatedMessage 余额变更消息 (Kafka: balance-updated)
type BalanceUpdatedMessage struct {
	Address  string `json:"address"`
	UserID   string `json:"user_id"`
	Previous string `json:"previous"`
	Balance  string `json:"balance"`
	SyncedAt int64  `json:"synced_at"`
}

// ServiceRegistrationRequest 服务上链请求 (Kafka: service-registration)
// ServiceID 为空时处理全部未注册服务
type ServiceRegistrationRequest struct {
	ServiceID   string `json:"service_id,omitempty"`
	RequestedAt int64  `json:"requested_at"`
}
