// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: chain-notifications
//    - 消费者: 通知推送服务
//    - 消息内容: NotificationMessage (链上事件通知, 每个 tx_hash/address/kind 只发送一次)
//    - 处理逻辑: 同步器提交账本后, 新写入的通知记录即发送
//
// 2. Topic: balance-updated
//    - 消费者: 钱包/账户服务
//    - 消息内容: BalanceUpdatedMessage (以链上 balanceOf 为准的最新余额)
//    - 处理逻辑: 余额刷新写库后发送
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

var ErrProducerClosed = errors.New("producer is closed")

// Kafka 生产者发送的 Topic
const (
	// TopicNotifications 链上事件通知
	// Partition Key: address
	// 消息格式: model.NotificationMessage
	TopicNotifications = "chain-notifications"

	// TopicBalanceUpdated 余额变更
	// Partition Key: address
	// 消息格式: model.BalanceUpdatedMessage
	TopicBalanceUpdated = "balance-updated"
)

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// newSaramaProducerConfig 生成 sarama 配置并补默认值
func newSaramaProducerConfig(cfg *ProducerConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff
	return config
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaProducerConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer), nil
}

// NewProducerWithClient 使用已有的 SyncProducer
func NewProducerWithClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.RecordKafkaMessage(topic, false)
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.RecordKafkaMessage(topic, true)

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendNotification 发送通知消息
func (p *Producer) SendNotification(ctx context.Context, msg *model.NotificationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.send(TopicNotifications, msg.Address, data)
}

// SendBalanceUpdated 发送余额变更消息
func (p *Producer) SendBalanceUpdated(ctx context.Context, msg *model.BalanceUpdatedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.send(TopicBalanceUpdated, msg.Address, data)
}

// KafkaEventPublisher Kafka 事件发布器, 实现 service.EventPublisher
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishNotification(ctx context.Context, msg *model.NotificationMessage) error {
	return p.producer.SendNotification(ctx, msg)
}

func (p *KafkaEventPublisher) PublishBalanceUpdated(ctx context.Context, msg *model.BalanceUpdatedMessage) error {
	return p.producer.SendBalanceUpdated(ctx, msg)
}
