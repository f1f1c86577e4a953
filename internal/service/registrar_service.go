package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

var ErrServiceAlreadySubmitted = errors.New("service already submitted on chain")

// ServiceCreator 提交 createService, 由 *RelayService 实现
type ServiceCreator interface {
	CreateService(ctx context.Context, from common.Address, spec *ServiceSpec, targetID string) (*RelayResult, error)
}

// RegistrarService 服务上链注册
//
// tx_hash 只由这里写入; blockchain_id 由 ServiceCreated 同步根据 tx_hash 回填。
type RegistrarService struct {
	relay       ServiceCreator
	serviceRepo repository.ServiceRepository
	userRepo    repository.UserRepository
	batchSize   int

	mu sync.Mutex
}

// RegistrarConfig 配置
type RegistrarConfig struct {
	BatchSize int
}

// NewRegistrarService 创建注册服务
func NewRegistrarService(
	relay ServiceCreator,
	serviceRepo repository.ServiceRepository,
	userRepo repository.UserRepository,
	cfg *RegistrarConfig,
) *RegistrarService {
	batchSize := 50
	if cfg != nil && cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	return &RegistrarService{
		relay:       relay,
		serviceRepo: serviceRepo,
		userRepo:    userRepo,
		batchSize:   batchSize,
	}
}

// Run 提交所有未注册的服务, 单个失败不影响其余, 返回提交成功的数量
func (s *RegistrarService) Run(ctx context.Context) (int, error) {
	if !s.mu.TryLock() {
		return 0, nil
	}
	defer s.mu.Unlock()

	services, err := s.serviceRepo.ListUnregistered(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, svc := range services {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		if err := s.register(ctx, svc); err != nil {
			logger.Warn("service registration failed",
				zap.String("service_id", svc.ServiceID),
				zap.String("provider_id", svc.ProviderID),
				zap.Error(err))
			continue
		}
		submitted++
	}

	if len(services) > 0 {
		logger.Info("service registration pass finished",
			zap.Int("candidates", len(services)),
			zap.Int("submitted", submitted))
	}
	return submitted, nil
}

// RegisterOne 提交指定服务
func (s *RegistrarService) RegisterOne(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.serviceRepo.GetByServiceID(ctx, serviceID)
	if err != nil {
		return err
	}
	if svc.TxHash != nil && *svc.TxHash != "" {
		return ErrServiceAlreadySubmitted
	}
	return s.register(ctx, svc)
}

// HandleRegistrationRequest 处理 service-registration 消息
func (s *RegistrarService) HandleRegistrationRequest(ctx context.Context, req *model.ServiceRegistrationRequest) error {
	if req.ServiceID == "" {
		_, err := s.Run(ctx)
		return err
	}
	err := s.RegisterOne(ctx, req.ServiceID)
	if errors.Is(err, ErrServiceAlreadySubmitted) || errors.Is(err, repository.ErrServiceNotFound) {
		logger.Info("registration request ignored",
			zap.String("service_id", req.ServiceID),
			zap.Error(err))
		return nil
	}
	return err
}

func (s *RegistrarService) register(ctx context.Context, svc *model.ServiceRecord) (err error) {
	defer func() {
		if err != nil {
			metrics.RecordRegistrar("error")
		} else {
			metrics.RecordRegistrar("success")
		}
	}()

	provider, err := s.userRepo.GetByUserID(ctx, svc.ProviderID)
	if err != nil {
		return fmt.Errorf("resolve provider wallet: %w", err)
	}

	result, err := s.relay.CreateService(ctx, common.HexToAddress(provider.Address), &ServiceSpec{
		Price:       svc.Price.BigInt(),
		TotalSupply: svc.TotalSupply.BigInt(),
		Audience:    svc.Audience,
	}, svc.ServiceID)
	if err != nil {
		return err
	}

	if err := s.serviceRepo.SetTxHash(ctx, svc.ServiceID, result.TxHash); err != nil {
		return fmt.Errorf("record tx hash %s: %w", result.TxHash, err)
	}

	logger.Info("service submitted on chain",
		zap.String("service_id", svc.ServiceID),
		zap.String("provider", provider.Address),
		zap.String("tx_hash", result.TxHash))
	return nil
}
