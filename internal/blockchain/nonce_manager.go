package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceLockTimeout = errors.New("nonce lock timeout")
	ErrLeaseReleased    = errors.New("nonce lease already released")
)

// NonceSource 读取地址在链上的当前 nonce
type NonceSource func(ctx context.Context, addr common.Address) (uint64, error)

// commitTimeout 记录已提交 nonce 的写入超时
const commitTimeout = 5 * time.Second

// releaseScript 仅删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NonceManager 按地址分配 nonce
//
// 同一地址的 "取 nonce -> 签名 -> 提交" 在进程内用互斥锁、跨进程用 Redis 锁串行化。
// 链上值不包含尚未打包的交易, 因此已提交的下一个 nonce 记录在 Redis 中,
// 分配时取 max(链上值, 记录值)。记录值有 TTL, 过期后回到以链上值为准,
// 避免一笔最终失败的交易让后续 nonce 永远偏高。
type NonceManager struct {
	redis          *redis.Client
	source         NonceSource
	namespace      string
	chainID        int64
	lockTTL        time.Duration
	acquireTimeout time.Duration
	retryInterval  time.Duration
	pendingTTL     time.Duration

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	// Namespace 区分不同的 nonce 空间, 例如 forwarder 和 sponsor
	Namespace      string
	ChainID        int64
	LockTTL        time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
	PendingTTL     time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(rdb *redis.Client, source NonceSource, cfg *NonceManagerConfig) *NonceManager {
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 30 * time.Second
	}

	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout == 0 {
		acquireTimeout = 15 * time.Second
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = 20 * time.Millisecond
	}

	pendingTTL := cfg.PendingTTL
	if pendingTTL == 0 {
		pendingTTL = 5 * time.Minute
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &NonceManager{
		redis:          rdb,
		source:         source,
		namespace:      namespace,
		chainID:        cfg.ChainID,
		lockTTL:        lockTTL,
		acquireTimeout: acquireTimeout,
		retryInterval:  retryInterval,
		pendingTTL:     pendingTTL,
		locks:          make(map[common.Address]*sync.Mutex),
	}
}

// nonceKey 生成 Redis key
func (m *NonceManager) nonceKey(addr common.Address) string {
	return fmt.Sprintf("market:chain:nonce:%s:%s:%d", m.namespace, addr.Hex(), m.chainID)
}

// lockKey 生成锁 key
func (m *NonceManager) lockKey(addr common.Address) string {
	return fmt.Sprintf("market:chain:nonce:lock:%s:%s:%d", m.namespace, addr.Hex(), m.chainID)
}

func (m *NonceManager) addressLock(addr common.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		m.locks[addr] = l
	}
	return l
}

// NonceLease 已分配的 nonce, 持有期间同一地址的其他调用被阻塞
// 必须调用 Commit 或 Rollback 之一
type NonceLease struct {
	Address common.Address
	Nonce   uint64

	m     *NonceManager
	token string
	local *sync.Mutex
	once  sync.Once
}

// Acquire 锁定地址并分配下一个 nonce
func (m *NonceManager) Acquire(ctx context.Context, addr common.Address) (*NonceLease, error) {
	local := m.addressLock(addr)
	local.Lock()

	token := uuid.NewString()
	if err := m.acquireLock(ctx, addr, token); err != nil {
		local.Unlock()
		return nil, err
	}

	nonce, err := m.next(ctx, addr)
	if err != nil {
		m.releaseLock(addr, token)
		local.Unlock()
		return nil, err
	}

	return &NonceLease{
		Address: addr,
		Nonce:   nonce,
		m:       m,
		token:   token,
		local:   local,
	}, nil
}

// next 取 max(链上值, 已提交记录)
func (m *NonceManager) next(ctx context.Context, addr common.Address) (uint64, error) {
	chainNonce, err := m.source(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("read chain nonce: %w", err)
	}

	cached, err := m.redis.Get(ctx, m.nonceKey(addr)).Uint64()
	if errors.Is(err, redis.Nil) {
		return chainNonce, nil
	}
	if err != nil {
		return 0, err
	}
	if cached > chainNonce {
		return cached, nil
	}
	return chainNonce, nil
}

// acquireLock 获取分布式锁, 等待至 acquireTimeout
func (m *NonceManager) acquireLock(ctx context.Context, addr common.Address, token string) error {
	deadline := time.Now().Add(m.acquireTimeout)
	for {
		ok, err := m.redis.SetNX(ctx, m.lockKey(addr), token, m.lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNonceLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}

// releaseLock 释放分布式锁, 不受调用方 ctx 取消影响
func (m *NonceManager) releaseLock(addr common.Address, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return releaseScript.Run(ctx, m.redis, []string{m.lockKey(addr)}, token).Err()
}

// Peek 查询下一个 nonce, 不加锁, 仅用于展示
func (m *NonceManager) Peek(ctx context.Context, addr common.Address) (uint64, error) {
	return m.next(ctx, addr)
}

// Reset 清除已提交记录, 下次分配回到链上值
func (m *NonceManager) Reset(ctx context.Context, addr common.Address) error {
	return m.redis.Del(ctx, m.nonceKey(addr)).Err()
}

// Commit 交易已广播, 记录下一个 nonce 并释放锁
//
// 广播后调用方 ctx 可能已取消, 记录写入不受其影响, 否则下一次分配会退回链上值而重复使用 nonce。
func (l *NonceLease) Commit(ctx context.Context) error {
	err := ErrLeaseReleased
	l.once.Do(func() {
		defer l.local.Unlock()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancel()
		err = l.m.redis.Set(writeCtx, l.m.nonceKey(l.Address), l.Nonce+1, l.m.pendingTTL).Err()
		if releaseErr := l.m.releaseLock(l.Address, l.token); err == nil {
			err = releaseErr
		}
	})
	return err
}

// Rollback 交易未广播, 直接释放锁, nonce 可被下一次调用复用
func (l *NonceLease) Rollback() error {
	err := ErrLeaseReleased
	l.once.Do(func() {
		defer l.local.Unlock()
		err = l.m.releaseLock(l.Address, l.token)
	})
	return err
}
