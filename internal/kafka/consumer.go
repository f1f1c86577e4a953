// Package kafka 提供 Kafka 消费者和生产者功能
//
// ========================================
// Kafka 消息流对接说明
// ========================================
//
// ## 消费者 (Consumer) - 本服务订阅的 Topic
//
// 1. Topic: service-registration
//    - 生产者: 市场后台 (服务创建/审核通过后)
//    - 消息内容: ServiceRegistrationRequest
//    - 处理逻辑: 触发服务上链注册; service_id 为空时处理全部未注册服务
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

var ErrConsumerRunning = errors.New("consumer already running")

// Kafka 消费者订阅的 Topic
const (
	// TopicServiceRegistration 服务上链请求
	// Partition Key: service_id
	// 消息格式: model.ServiceRegistrationRequest
	TopicServiceRegistration = "service-registration"
)

// RegistrationHandler 处理服务上链请求, 由 *service.RegistrarService 实现
type RegistrationHandler interface {
	HandleRegistrationRequest(ctx context.Context, req *model.ServiceRegistrationRequest) error
}

// Consumer Kafka 消费者
type Consumer struct {
	client    sarama.ConsumerGroup
	registrar RegistrationHandler
	topics    []string
	groupID   string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers   []string
	GroupID   string
	Registrar RegistrationHandler
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:    client,
		registrar: cfg.Registrar,
		topics:    []string{TopicServiceRegistration},
		groupID:   cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrConsumerRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	handler := &consumerGroupHandler{registrar: c.registrar}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	registrar RegistrationHandler
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()

		switch msg.Topic {
		case TopicServiceRegistration:
			metrics.RecordKafkaMessage(msg.Topic, false)
			if err := h.handleRegistration(ctx, msg.Value); err != nil {
				logger.Error("failed to handle service registration message",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				continue // 继续处理下一条消息, 未注册的服务由定时注册兜底
			}

		default:
			logger.Warn("unknown topic", zap.String("topic", msg.Topic))
		}

		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handleRegistration(ctx context.Context, data []byte) error {
	var req model.ServiceRegistrationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	logger.Debug("received service registration request",
		zap.String("service_id", req.ServiceID))

	return h.registrar.HandleRegistrationRequest(ctx, &req)
}
