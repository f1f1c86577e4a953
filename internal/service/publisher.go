package service

import (
	"context"

	"github.com/skillmarket/market-chain/internal/model"
)

// EventPublisher 事件发布器, 由 kafka.KafkaEventPublisher 实现
type EventPublisher interface {
	PublishNotification(ctx context.Context, msg *model.NotificationMessage) error
	PublishBalanceUpdated(ctx context.Context, msg *model.BalanceUpdatedMessage) error
}

// NopPublisher 未配置 Kafka 时使用
type NopPublisher struct{}

func (NopPublisher) PublishNotification(ctx context.Context, msg *model.NotificationMessage) error {
	return nil
}

func (NopPublisher) PublishBalanceUpdated(ctx context.Context, msg *model.BalanceUpdatedMessage) error {
	return nil
}
