package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/skillmarket/market-chain/internal/contract"
	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
)

var (
	tokenAddr       = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	marketplaceAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	forwarderAddr   = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")

	aliceAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bobAddr   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carolAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
	zeroAddr  = common.Address{}
)

var testDBCounter int64

// setupTestDB 每个测试使用独立的内存 SQLite
func setupTestDB(t *testing.T) *gorm.DB {
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:servicetest%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.ChainTransaction{},
		&model.SyncCheckpoint{},
		&model.WalletUser{},
		&model.ServiceRecord{},
		&model.Notification{},
	))
	return db
}

// testRepos 基于同一个数据库的全部仓储
type testRepos struct {
	db            *gorm.DB
	transactor    repository.Transactor
	txs           repository.TransactionRepository
	checkpoints   repository.CheckpointRepository
	users         repository.UserRepository
	services      repository.ServiceRepository
	notifications repository.NotificationRepository
}

func newTestRepos(t *testing.T) *testRepos {
	db := setupTestDB(t)
	return &testRepos{
		db:            db,
		transactor:    repository.NewRepository(db),
		txs:           repository.NewTransactionRepository(db),
		checkpoints:   repository.NewCheckpointRepository(db),
		users:         repository.NewUserRepository(db),
		services:      repository.NewServiceRepository(db),
		notifications: repository.NewNotificationRepository(db),
	}
}

func (r *testRepos) addUser(t *testing.T, userID string, addr common.Address, balance int64) {
	require.NoError(t, r.users.Create(context.Background(), &model.WalletUser{
		UserID:  userID,
		Address: addr.Hex(),
		Balance: decimal.NewFromInt(balance),
	}))
}

func (r *testRepos) notificationsFor(t *testing.T, addr common.Address) []*model.Notification {
	list, err := r.notifications.ListByAddress(context.Background(), addr.Hex(), nil)
	require.NoError(t, err)
	return list
}

// ========== 链上日志构造 ==========

func eventTopic(t *testing.T, name string) common.Hash {
	topic, ok := contract.NewDecoder().Topic(name)
	require.True(t, ok, name)
	return topic
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func transferLog(t *testing.T, block uint64, txHash common.Hash, from, to common.Address, amount int64) types.Log {
	return types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{eventTopic(t, "Transfer"), common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        word(big.NewInt(amount)),
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func dealLog(t *testing.T, name string, block uint64, txHash common.Hash, dealID, serviceID int64, buyer, provider common.Address) types.Log {
	data := append(word(buyer.Big()), word(provider.Big())...)
	return types.Log{
		Address:     marketplaceAddr,
		Topics:      []common.Hash{eventTopic(t, name), common.BigToHash(big.NewInt(dealID)), common.BigToHash(big.NewInt(serviceID))},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func serviceCreatedLog(t *testing.T, block uint64, txHash common.Hash, serviceID int64, provider common.Address, price int64) types.Log {
	data := append(word(big.NewInt(price)), word(contract.UnlimitedSupply)...)
	return types.Log{
		Address:     marketplaceAddr,
		Topics:      []common.Hash{eventTopic(t, "ServiceCreated"), common.BigToHash(big.NewInt(serviceID)), common.BytesToHash(provider.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func txHashOf(n int) common.Hash {
	return common.BigToHash(big.NewInt(int64(0xabc000 + n)))
}

// ========== 模拟链 ==========

// fakeChain 内存中的日志和链头, 实现 LogReader 与 HeightResolver
type fakeChain struct {
	mu      sync.Mutex
	tip     uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	// block 拦截 FilterLogs, 用于并发测试
	block chan struct{}
	// resolve 覆盖 Resolve 的结果
	resolve func(height uint64) uint64
}

func newFakeChain(tip uint64) *fakeChain {
	return &fakeChain{tip: tip}
}

func (c *fakeChain) add(tip uint64, logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip = tip
	c.logs = append(c.logs, logs...)
}

func (c *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, nil
}

func (c *fakeChain) Resolve(ctx context.Context, height uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolve != nil {
		return c.resolve(height), nil
	}
	if height > c.tip {
		return c.tip, nil
	}
	return height, nil
}

// FilterLogs 与节点一样按区块范围、地址和 topic0 过滤
func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && l.Address != q.Addresses[0] {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && l.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *fakeChain) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// mockBalanceRefresher 模拟余额刷新
type mockBalanceRefresher struct {
	mock.Mock
}

func (m *mockBalanceRefresher) Refresh(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

// recordingPublisher 记录发布的消息
type recordingPublisher struct {
	mu            sync.Mutex
	notifications []*model.NotificationMessage
	balances      []*model.BalanceUpdatedMessage
	err           error
}

func (p *recordingPublisher) PublishNotification(ctx context.Context, msg *model.NotificationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, msg)
	return p.err
}

func (p *recordingPublisher) PublishBalanceUpdated(ctx context.Context, msg *model.BalanceUpdatedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances = append(p.balances, msg)
	return p.err
}

func (p *recordingPublisher) notificationKinds() []model.NotificationKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]model.NotificationKind, 0, len(p.notifications))
	for _, n := range p.notifications {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}
