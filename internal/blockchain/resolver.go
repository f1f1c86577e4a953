package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

// HeaderSource 区块头数据源, 由 *Client 实现
type HeaderSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ResolverConfig 区块解析器配置
type ResolverConfig struct {
	// MaxEntries 每张缓存表的最大条目数, 超出后整表清空
	MaxEntries int
	// TimestampDelay 查询区块时间戳前的固定等待, 用于避开节点限流
	TimestampDelay time.Duration
}

// BlockResolver 区块高度解析器
//
// 节点的索引可能落后于链头, 请求的高度不一定能查到。Resolve 从请求高度向后
// 寻找第一个可查询的区块, 超过链头时截断到链头, 途经的每个高度都缓存为同一结果。
type BlockResolver struct {
	source         HeaderSource
	maxEntries     int
	timestampDelay time.Duration

	mu         sync.Mutex
	heights    map[uint64]uint64
	clamped    map[uint64]struct{} // 截断到链头的高度, 链头前进后失效
	timestamps map[uint64]uint64
	tip        uint64
}

// NewBlockResolver 创建区块解析器
func NewBlockResolver(source HeaderSource, cfg *ResolverConfig) *BlockResolver {
	if cfg == nil {
		cfg = &ResolverConfig{}
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &BlockResolver{
		source:         source,
		maxEntries:     maxEntries,
		timestampDelay: cfg.TimestampDelay,
		heights:        make(map[uint64]uint64),
		clamped:        make(map[uint64]struct{}),
		timestamps:     make(map[uint64]uint64),
	}
}

// LatestBlock 从节点刷新链头高度
func (r *BlockResolver) LatestBlock(ctx context.Context) (uint64, error) {
	tip, err := r.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	r.observeTip(tip)
	return tip, nil
}

// observeTip 链头前进时丢弃截断结果
func (r *BlockResolver) observeTip(tip uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tip <= r.tip {
		return
	}
	r.tip = tip
	for h := range r.clamped {
		delete(r.heights, h)
	}
	r.clamped = make(map[uint64]struct{})
}

func (r *BlockResolver) cachedTip() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tip
}

func (r *BlockResolver) lookup(height uint64) (resolved uint64, ok, clamped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolved, ok = r.heights[height]
	_, clamped = r.clamped[height]
	return resolved, ok, clamped
}

func (r *BlockResolver) store(heights []uint64, resolved uint64, clamped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.heights)+len(heights) > r.maxEntries {
		r.heights = make(map[uint64]uint64)
		r.clamped = make(map[uint64]struct{})
	}
	for _, h := range heights {
		r.heights[h] = resolved
		if clamped {
			r.clamped[h] = struct{}{}
		}
	}
}

// Resolve 返回不小于 height 的第一个可查询区块高度, 超出链头时返回链头
func (r *BlockResolver) Resolve(ctx context.Context, height uint64) (uint64, error) {
	if v, ok, _ := r.lookup(height); ok {
		return v, nil
	}

	var skipped []uint64
	h := height
	for {
		if v, ok, clamped := r.lookup(h); ok {
			r.store(skipped, v, clamped)
			return v, nil
		}

		_, err := r.source.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
		if err == nil {
			r.store(append(skipped, h), h, false)
			return h, nil
		}
		if !errors.Is(err, ErrBlockNotFound) {
			return 0, err
		}

		tip := r.cachedTip()
		if h >= tip {
			if tip, err = r.LatestBlock(ctx); err != nil {
				return 0, err
			}
		}
		if h >= tip {
			r.store(append(skipped, h), tip, true)
			logger.Debug("block beyond provider tip, clamped",
				zap.Uint64("requested", height),
				zap.Uint64("tip", tip))
			return tip, nil
		}

		skipped = append(skipped, h)
		h++
	}
}

// BlockTimestamp 返回区块时间戳 (秒), 结果缓存
func (r *BlockResolver) BlockTimestamp(ctx context.Context, block uint64) (uint64, error) {
	r.mu.Lock()
	ts, ok := r.timestamps[block]
	r.mu.Unlock()
	if ok {
		return ts, nil
	}

	if r.timestampDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(r.timestampDelay):
		}
	}

	header, err := r.source.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if len(r.timestamps) >= r.maxEntries {
		r.timestamps = make(map[uint64]uint64)
	}
	r.timestamps[block] = header.Time
	r.mu.Unlock()
	r.store([]uint64{block}, block, false)

	return header.Time, nil
}
