// ========================================
// RelayService 元交易中继
// ========================================
//
// 用户不持有原生代币支付 gas。用户对 ForwardRequest 做 EIP-712 签名,
// 赞助账户把 forwarder.execute(request, signature) 作为真实交易提交。
//
// ## Submit 流程
// 1. 锁定用户地址, 取转发合约 nonce (NonceManager, 命名空间 forwarder)
// 2. 编码目标合约调用
// 3. 构造 ForwardRequest {from, to, value=0, gas=按调用类型固定, nonce, data}
// 4. 用户密钥按 EIP-712 签名
// 5. 取 gas 价格, 锁定赞助账户 nonce (命名空间 sponsor), 签名并广播
// 6. 广播成功后写入账本 (method, target_id), 失败不写任何记录
//
// 两把 nonce 锁总是按 "用户 -> 赞助账户" 的顺序获取。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/skillmarket/market-chain/internal/blockchain"
	"github.com/skillmarket/market-chain/internal/contract"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/pkg/crypto"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

var (
	ErrRelaySubmit     = errors.New("relay submission failed")
	ErrUnknownMethod   = errors.New("unknown relay method")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidAudience = errors.New("invalid audience")
)

// 外层交易在转发 gas 之外的额外开销
const executeOverheadGas = 80_000

// forwardGasLimits 每种调用的固定转发 gas
var forwardGasLimits = map[model.TxMethod]uint64{
	model.TxMethodBookService:            300_000,
	model.TxMethodCancelDealAsBuyer:      200_000,
	model.TxMethodCancelDealAsProvider:   200_000,
	model.TxMethodValidateDealAsBuyer:    200_000,
	model.TxMethodValidateDealAsProvider: 200_000,
	model.TxMethodCreateService:          400_000,
	model.TxMethodUpdateService:          400_000,
	model.TxMethodApprove:                100_000,
	model.TxMethodGrantRole:              150_000,
	model.TxMethodRedeemBonus:            200_000,
}

// Keyring 按地址签名, 由 *crypto.MemoryKeyring 实现
type Keyring interface {
	Sign(ctx context.Context, address common.Address, digest []byte) ([]byte, error)
}

// SponsorChain 赞助账户提交交易所需的链操作, 由 *blockchain.Client 实现
type SponsorChain interface {
	Address() common.Address
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// NonceAllocator nonce 分配, 由 *blockchain.NonceManager 实现
type NonceAllocator interface {
	Acquire(ctx context.Context, addr common.Address) (*blockchain.NonceLease, error)
	Reset(ctx context.Context, addr common.Address) error
}

// GasPricer gas 价格, 由 *contract.GasOracle 实现
type GasPricer interface {
	Price(ctx context.Context) *big.Int
}

// RelayRequest 一次中继调用
type RelayRequest struct {
	Method   model.TxMethod
	From     common.Address
	To       common.Address
	Data     []byte
	TargetID string
}

// RelayResult 中继结果
type RelayResult struct {
	TxHash string `json:"tx_hash,omitempty"`
	// Nonce 转发合约 nonce
	Nonce uint64 `json:"nonce"`
	// Skipped 无需提交 (例如角色已授予)
	Skipped bool `json:"skipped"`
}

// ServiceSpec 创建/更新服务的参数
type ServiceSpec struct {
	// ServiceID 链上服务 ID, 仅更新时使用
	ServiceID   *big.Int
	Price       *big.Int
	TotalSupply *big.Int
	Audience    model.Audience
}

// RelayService 元交易中继服务
type RelayService struct {
	chain           SponsorChain
	forwarder       *contract.ForwarderContract
	marketplace     *contract.MarketplaceContract
	token           *contract.TokenContract
	forwarderNonces NonceAllocator
	sponsorNonces   NonceAllocator
	gas             GasPricer
	keyring         Keyring
	txRepo          repository.TransactionRepository
	domain          crypto.EIP712Domain
	chainID         *big.Int
}

// RelayServiceConfig 配置
type RelayServiceConfig struct {
	ChainID         int64
	Chain           SponsorChain
	Forwarder       *contract.ForwarderContract
	Marketplace     *contract.MarketplaceContract
	Token           *contract.TokenContract
	ForwarderNonces NonceAllocator
	SponsorNonces   NonceAllocator
	GasOracle       GasPricer
	Keyring         Keyring
	TxRepo          repository.TransactionRepository
	// Domain 为空时使用转发合约默认域
	Domain *crypto.EIP712Domain
}

// NewRelayService 创建中继服务
func NewRelayService(cfg *RelayServiceConfig) *RelayService {
	domain := crypto.DefaultForwarderDomain(cfg.ChainID, cfg.Forwarder.Address())
	if cfg.Domain != nil {
		domain = *cfg.Domain
	}
	return &RelayService{
		chain:           cfg.Chain,
		forwarder:       cfg.Forwarder,
		marketplace:     cfg.Marketplace,
		token:           cfg.Token,
		forwarderNonces: cfg.ForwarderNonces,
		sponsorNonces:   cfg.SponsorNonces,
		gas:             cfg.GasOracle,
		keyring:         cfg.Keyring,
		txRepo:          cfg.TxRepo,
		domain:          domain,
		chainID:         big.NewInt(cfg.ChainID),
	}
}

// Submit 签名并提交一次转发调用
func (s *RelayService) Submit(ctx context.Context, req *RelayRequest) (*RelayResult, error) {
	gasLimit, ok := forwardGasLimits[req.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}
	if req.From == (common.Address{}) || req.To == (common.Address{}) {
		return nil, ErrInvalidAddress
	}

	start := time.Now()
	result, err := s.submit(ctx, req, gasLimit)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordRelay(string(req.Method), status, time.Since(start).Seconds())
	return result, err
}

func (s *RelayService) submit(ctx context.Context, req *RelayRequest, gasLimit uint64) (*RelayResult, error) {
	// 1. 用户 nonce, 持有到广播完成
	userLease, err := s.forwarderNonces.Acquire(ctx, req.From)
	if err != nil {
		return nil, fmt.Errorf("acquire forwarder nonce: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			userLease.Rollback()
		}
	}()

	// 2-4. 构造并签名转发请求
	forward := &crypto.ForwardRequest{
		From:  req.From,
		To:    req.To,
		Value: big.NewInt(0),
		Gas:   new(big.Int).SetUint64(gasLimit),
		Nonce: new(big.Int).SetUint64(userLease.Nonce),
		Data:  req.Data,
	}
	signature, err := s.keyring.Sign(ctx, req.From, crypto.ForwardRequestDigest(s.domain, forward))
	if err != nil {
		return nil, fmt.Errorf("sign forward request: %w", err)
	}
	execData, err := s.forwarder.PackExecute(forward, signature)
	if err != nil {
		return nil, err
	}

	// 5. 赞助账户交易
	gasPrice := s.gas.Price(ctx)
	sponsor := s.chain.Address()
	sponsorLease, err := s.sponsorNonces.Acquire(ctx, sponsor)
	if err != nil {
		return nil, fmt.Errorf("acquire sponsor nonce: %w", err)
	}

	signed, err := s.chain.SignTransaction(types.NewTx(&types.LegacyTx{
		Nonce:    sponsorLease.Nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit + executeOverheadGas,
		To:       model.Ptr(s.forwarder.Address()),
		Value:    big.NewInt(0),
		Data:     execData,
	}))
	if err != nil {
		sponsorLease.Rollback()
		return nil, err
	}

	if err := s.chain.SendTransaction(ctx, signed); err != nil {
		sponsorLease.Rollback()
		if errors.Is(err, blockchain.ErrNonceTooLow) || errors.Is(err, blockchain.ErrNonceTooHigh) {
			if resetErr := s.sponsorNonces.Reset(ctx, sponsor); resetErr != nil {
				logger.Warn("failed to reset sponsor nonce", zap.Error(resetErr))
			}
		}
		logger.Error("relay submission rejected",
			zap.String("method", string(req.Method)),
			zap.String("from", req.From.Hex()),
			zap.Uint64("forwarder_nonce", userLease.Nonce),
			zap.Uint64("sponsor_nonce", sponsorLease.Nonce),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRelaySubmit, err)
	}

	// 已广播, 两个 nonce 都视为已使用
	committed = true
	if err := userLease.Commit(ctx); err != nil {
		logger.Warn("failed to commit forwarder nonce", zap.Error(err))
	}
	if err := sponsorLease.Commit(ctx); err != nil {
		logger.Warn("failed to commit sponsor nonce", zap.Error(err))
	}

	// 6. 写入账本
	txHash := model.NormalizeHex(signed.Hash().Hex())
	row := &model.ChainTransaction{
		Hash:   txHash,
		From:   model.Ptr(model.NormalizeHex(req.From.Hex())),
		To:     model.Ptr(model.NormalizeHex(req.To.Hex())),
		Method: model.Ptr(req.Method),
	}
	if req.TargetID != "" {
		row.TargetID = model.Ptr(req.TargetID)
	}
	if err := s.txRepo.Upsert(ctx, row); err != nil {
		// 交易已广播, 事件同步会补上这条记录
		logger.Error("failed to record relayed transaction",
			zap.String("tx_hash", txHash),
			zap.Error(err))
	}

	logger.Info("relayed transaction submitted",
		zap.String("method", string(req.Method)),
		zap.String("from", req.From.Hex()),
		zap.String("tx_hash", txHash),
		zap.Uint64("forwarder_nonce", userLease.Nonce),
		zap.Uint64("sponsor_nonce", sponsorLease.Nonce),
		zap.String("gas_price", gasPrice.String()))

	return &RelayResult{TxHash: txHash, Nonce: userLease.Nonce}, nil
}

// BookService 预订服务
func (s *RelayService) BookService(ctx context.Context, from common.Address, serviceID *big.Int) (*RelayResult, error) {
	data, err := s.marketplace.PackCreateDeal(serviceID)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, &RelayRequest{
		Method:   model.TxMethodBookService,
		From:     from,
		To:       s.marketplace.Address(),
		Data:     data,
		TargetID: serviceID.String(),
	})
}

// CancelDealAsBuyer 买家取消交易
func (s *RelayService) CancelDealAsBuyer(ctx context.Context, from common.Address, dealID *big.Int) (*RelayResult, error) {
	return s.dealCall(ctx, model.TxMethodCancelDealAsBuyer, from, dealID)
}

// CancelDealAsProvider 提供方取消交易
func (s *RelayService) CancelDealAsProvider(ctx context.Context, from common.Address, dealID *big.Int) (*RelayResult, error) {
	return s.dealCall(ctx, model.TxMethodCancelDealAsProvider, from, dealID)
}

// ValidateDealAsBuyer 买家确认交易
func (s *RelayService) ValidateDealAsBuyer(ctx context.Context, from common.Address, dealID *big.Int) (*RelayResult, error) {
	return s.dealCall(ctx, model.TxMethodValidateDealAsBuyer, from, dealID)
}

// ValidateDealAsProvider 提供方确认交易
func (s *RelayService) ValidateDealAsProvider(ctx context.Context, from common.Address, dealID *big.Int) (*RelayResult, error) {
	return s.dealCall(ctx, model.TxMethodValidateDealAsProvider, from, dealID)
}

func (s *RelayService) dealCall(ctx context.Context, method model.TxMethod, from common.Address, dealID *big.Int) (*RelayResult, error) {
	var (
		data []byte
		err  error
	)
	switch method {
	case model.TxMethodCancelDealAsBuyer:
		data, err = s.marketplace.PackCancelDeal(dealID, true)
	case model.TxMethodCancelDealAsProvider:
		data, err = s.marketplace.PackCancelDeal(dealID, false)
	case model.TxMethodValidateDealAsBuyer:
		data, err = s.marketplace.PackValidateDeal(dealID, true)
	case model.TxMethodValidateDealAsProvider:
		data, err = s.marketplace.PackValidateDeal(dealID, false)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, &RelayRequest{
		Method:   method,
		From:     from,
		To:       s.marketplace.Address(),
		Data:     data,
		TargetID: dealID.String(),
	})
}

// serviceParams 按用户群计算默认权限
func serviceParams(spec *ServiceSpec) (*contract.ServiceParams, error) {
	if spec == nil || !spec.Audience.IsValid() {
		return nil, ErrInvalidAudience
	}
	perms := model.PermissionsFor(spec.Audience)
	return &contract.ServiceParams{
		ServiceID:           spec.ServiceID,
		Price:               spec.Price,
		TotalSupply:         spec.TotalSupply,
		BuyerCanCancel:      perms.BuyerCanCancel,
		ProviderCanCancel:   perms.ProviderCanCancel,
		BuyerCanValidate:    perms.BuyerCanValidate,
		ProviderCanValidate: perms.ProviderCanValidate,
	}, nil
}

// CreateService 创建链上服务, targetID 为链下服务 ID
func (s *RelayService) CreateService(ctx context.Context, from common.Address, spec *ServiceSpec, targetID string) (*RelayResult, error) {
	params, err := serviceParams(spec)
	if err != nil {
		return nil, err
	}
	data, err := s.marketplace.PackCreateService(params)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, &RelayRequest{
		Method:   model.TxMethodCreateService,
		From:     from,
		To:       s.marketplace.Address(),
		Data:     data,
		TargetID: targetID,
	})
}

// UpdateService 更新链上服务
func (s *RelayService) UpdateService(ctx context.Context, from common.Address, spec *ServiceSpec) (*RelayResult, error) {
	params, err := serviceParams(spec)
	if err != nil {
		return nil, err
	}
	data, err := s.marketplace.PackUpdateService(params)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, &RelayRequest{
		Method:   model.TxMethodUpdateService,
		From:     from,
		To:       s.marketplace.Address(),
		Data:     data,
		TargetID: spec.ServiceID.String(),
	})
}

// ApproveAllowance 授权市场合约扣款
func (s *RelayService) ApproveAllowance(ctx context.Context, from common.Address, amount *big.Int) (*RelayResult, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	data, err := s.token.PackApprove(s.marketplace.Address(), amount)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, &RelayRequest{
		Method:   model.TxMethodApprove,
		From:     from,
		To:       s.token.Address(),
		Data:     data,
		TargetID: model.NormalizeHex(s.marketplace.Address().Hex()),
	})
}

// GrantRoleFor 由 admin 为 account 授予服务提供方角色, 已持有时不提交交易
func (s *RelayService) GrantRoleFor(ctx context.Context, admin, account common.Address) (*RelayResult, error) {
	granted, err := s.marketplace.HasRole(ctx, contract.ProviderRole, account)
	if err != nil {
		return nil, fmt.Errorf("check role: %w", err)
	}
	if granted {
		logger.Debug("provider role already granted", zap.String("account", account.Hex()))
		return &RelayResult{Skipped: true}, nil
	}

	data, err := s.marketplace.PackGrantRole(contract.ProviderRole, account)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, &RelayRequest{
		Method:   model.TxMethodGrantRole,
		From:     admin,
		To:       s.marketplace.Address(),
		Data:     data,
		TargetID: model.NormalizeHex(account.Hex()),
	})
}

// RedeemBonus 兑换奖励
func (s *RelayService) RedeemBonus(ctx context.Context, from common.Address, amount *big.Int) (*RelayResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	data, err := s.token.PackRedeemBonus(amount)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, &RelayRequest{
		Method:   model.TxMethodRedeemBonus,
		From:     from,
		To:       s.token.Address(),
		Data:     data,
		TargetID: amount.String(),
	})
}
