package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNoHealthyRPC       = errors.New("no healthy RPC endpoint available")
	ErrInsufficientFunds  = errors.New("insufficient funds for gas")
	ErrNonceTooLow        = errors.New("nonce too low")
	ErrNonceTooHigh       = errors.New("nonce too high")
	ErrTxUnderpriced      = errors.New("transaction underpriced")
	ErrExecutionReverted  = errors.New("execution reverted")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrBlockNotFound      = errors.New("block not found")
	ErrSignerNotAvailable = errors.New("sponsor private key not configured")
)

// Backend 节点访问接口, *ethclient.Client 实现了该接口
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// DialFunc 建立节点连接
type DialFunc func(ctx context.Context, url string) (Backend, error)

func dialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 链节点网关
//
// 所有调用经过同一个限速器 (最小调用间隔), 瞬时错误按指数退避重试并切换端点;
// "数据尚不可用" 和 "节点拒绝交易" 两类错误直接返回, 不重试。
type Client struct {
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client  Backend
	dial    DialFunc
	limiter *rate.Limiter

	// 配置
	maxRetries      int
	retryInterval   time.Duration
	maxBackoff      time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID            int64
	PrivateKey         string // sponsor 账户私钥, 用于签名外层交易
	RPCURLs            []string
	MaxRetries         int
	RetryInterval      time.Duration
	MaxBackoff         time.Duration
	HealthCheckFreq    time.Duration
	MinRequestInterval time.Duration // 同一节点两次调用的最小间隔
	Dial               DialFunc
}

// NewClient 创建链节点网关
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address

	if cfg.PrivateKey != "" {
		var err error
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse sponsor key: %w", err)
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = 500 * time.Millisecond
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 10 * time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.MinRequestInterval > 0 {
		limit = rate.Every(cfg.MinRequestInterval)
	}

	dial := cfg.Dial
	if dial == nil {
		dial = dialEthclient
	}

	c := &Client{
		chainID:         cfg.ChainID,
		privateKey:      privateKey,
		address:         address,
		endpoints:       endpoints,
		dial:            dial,
		limiter:         rate.NewLimiter(limit, 1),
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		maxBackoff:      maxBackoff,
		healthCheckFreq: healthCheckFreq,
	}

	if err := c.connect(context.Background()); err != nil {
		return nil, err
	}

	return c, nil
}

// connect 连接到可用的 RPC
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := c.dial(ctx, ep.URL)
		if err != nil {
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}
		if c.chainID != 0 && chainID.Int64() != c.chainID {
			client.Close()
			logger.Error("rpc endpoint chain id mismatch",
				zap.String("url", ep.URL),
				zap.Int64("expected", c.chainID),
				zap.Int64("actual", chainID.Int64()))
			ep.IsHealthy = false
			ep.LastCheck = time.Now()
			continue
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

// getClient 获取客户端，如果不可用则尝试重连
func (c *Client) getClient(ctx context.Context) (Backend, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// classifyError 把节点返回的错误映射为哨兵错误
func classifyError(err error) error {
	if err == nil || isPermanent(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "already known"):
		return fmt.Errorf("%w: %v", ErrNonceTooLow, err)
	case strings.Contains(msg, "nonce too high"):
		return fmt.Errorf("%w: %v", ErrNonceTooHigh, err)
	case strings.Contains(msg, "underpriced"):
		return fmt.Errorf("%w: %v", ErrTxUnderpriced, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	case strings.Contains(msg, "header not found"), strings.Contains(msg, "unknown block"):
		return fmt.Errorf("%w: %v", ErrBlockNotFound, err)
	}
	return err
}

// isPermanent 不需要重试的错误
func isPermanent(err error) bool {
	for _, target := range []error{
		ErrTxNotFound, ErrBlockNotFound,
		ErrInsufficientFunds, ErrNonceTooLow, ErrNonceTooHigh, ErrTxUnderpriced, ErrExecutionReverted,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// backoff 第 attempt 次重试前的等待时间
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryInterval << uint(attempt)
	if d <= 0 || d > c.maxBackoff {
		return c.maxBackoff
	}
	return d
}

// withRetry 带限速和重试的操作
func (c *Client) withRetry(ctx context.Context, method string, fn func(Backend) error) error {
	start := time.Now()
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			metrics.RecordRPCRetry(method)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(i - 1)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		err = classifyError(fn(client))
		if err == nil {
			metrics.RecordRPCCall(method, "success", time.Since(start).Seconds())
			return nil
		}

		lastErr = err
		if isPermanent(err) {
			metrics.RecordRPCCall(method, "rejected", time.Since(start).Seconds())
			return err
		}

		logger.Debug("rpc call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", i+1),
			zap.Error(err))

		// 标记当前端点为不健康
		c.mu.Lock()
		if c.currentIdx < len(c.endpoints) {
			c.endpoints[c.currentIdx].IsHealthy = false
			c.endpoints[c.currentIdx].ErrorCount++
			c.endpoints[c.currentIdx].LastCheck = time.Now()
		}
		c.mu.Unlock()

		if i < c.maxRetries-1 && len(c.endpoints) > 1 {
			if err := c.connect(ctx); err != nil {
				logger.Warn("rpc reconnect failed", zap.Error(err))
			}
		}
	}
	metrics.RecordRPCCall(method, "failed", time.Since(start).Seconds())
	return lastErr
}

// Address 返回 sponsor 地址
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, "eth_blockNumber", func(client Backend) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	if err == nil {
		metrics.UpdateChainHead(blockNum)
	}
	return blockNum, err
}

// HeaderByNumber 获取区块头, 节点尚未索引时返回 ErrBlockNotFound
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.withRetry(ctx, "eth_getBlockByNumber", func(client Backend) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		if errors.Is(err, ethereum.NotFound) || (err == nil && header == nil) {
			return ErrBlockNotFound
		}
		return err
	})
	return header, err
}

// BlockByNumber 获取完整区块
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	var block *types.Block
	err := c.withRetry(ctx, "eth_getBlockByNumber", func(client Backend) error {
		var err error
		block, err = client.BlockByNumber(ctx, number)
		if errors.Is(err, ethereum.NotFound) || (err == nil && block == nil) {
			return ErrBlockNotFound
		}
		return err
	})
	return block, err
}

// TransactionReceipt 获取交易回执, 未上链时返回 ErrTxNotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, "eth_getTransactionReceipt", func(client Backend) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
			return ErrTxNotFound
		}
		return err
	})
	return receipt, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, "eth_getTransactionCount", func(client Backend) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, "eth_gasPrice", func(client Backend) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, "eth_estimateGas", func(client Backend) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withRetry(ctx, "eth_sendRawTransaction", func(client Backend) error {
		return client.SendTransaction(ctx, tx)
	})
}

// FilterLogs 过滤日志
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.withRetry(ctx, "eth_getLogs", func(client Backend) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// CallContract 调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, "eth_call", func(client Backend) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// SubscribeNewHead 订阅新区块头 (需要 websocket 端点)
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := c.withRetry(ctx, "eth_subscribe_newHeads", func(client Backend) error {
		var err error
		sub, err = client.SubscribeNewHead(ctx, ch)
		return err
	})
	return sub, err
}

// SubscribeFilterLogs 订阅日志 (需要 websocket 端点)
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := c.withRetry(ctx, "eth_subscribe_logs", func(client Backend) error {
		var err error
		sub, err = client.SubscribeFilterLogs(ctx, query, ch)
		return err
	})
	return sub, err
}

// SignTransaction 以 sponsor 身份签名交易
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrSignerNotAvailable
	}

	signer := types.LatestSignerForChainID(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, c.privateKey)
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
