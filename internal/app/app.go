// Package app 提供 market-chain 服务的应用生命周期管理
//
// ========================================
// market-chain 服务对接说明
// ========================================
//
// ## 服务职责
// market-chain 是技能市场的链上服务, 负责:
// 1. 事件同步: 五个同步器 (transfer / deal_created / deal_validated / deal_cancelled /
//    service_created) 把代币和市场合约的事件写入账本, 并发送通知、刷新余额
// 2. 元交易中继: 用户签名 ERC-2771 转发请求, 由 sponsor 账户代付 gas 提交
// 3. 服务上链: 为尚未上链的服务提交 createService
// 4. 数据回填: 为缺少区块时间戳的账本记录补全时间
//
// ## 启动顺序
// 配置校验 → 数据库/迁移 → Redis → 链节点 → 合约 → 仓储 → 服务 →
// 全量余额刷新 → 服务注册 → 首轮同步 → 定时轮询 → 推送订阅 → Kafka → HTTP
//
// ## Kafka 对接 (参见 internal/kafka)
// - 消费: service-registration
// - 生产: chain-notifications, balance-updated
//
// ## HTTP 对接 (参见 internal/handler/router.go)
// - 端口: service.http_port
// - /api/v1/relay/*: 元交易中继
// - /api/v1/addresses/:address/transactions 等: 账本查询
// - /health/live, /health/ready, /metrics
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/skillmarket/market-chain/internal/blockchain"
	"github.com/skillmarket/market-chain/internal/config"
	"github.com/skillmarket/market-chain/internal/contract"
	"github.com/skillmarket/market-chain/internal/handler"
	"github.com/skillmarket/market-chain/internal/kafka"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/internal/service"
	"github.com/skillmarket/market-chain/pkg/crypto"
	"github.com/skillmarket/market-chain/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 区块链
	chain     *blockchain.Client
	resolver  *blockchain.BlockResolver
	gasOracle *contract.GasOracle

	token       *contract.TokenContract
	marketplace *contract.MarketplaceContract
	forwarder   *contract.ForwarderContract

	// 仓储
	transactor     repository.Transactor
	txRepo         repository.TransactionRepository
	checkpointRepo repository.CheckpointRepository
	userRepo       repository.UserRepository
	serviceRepo    repository.ServiceRepository
	notifRepo      repository.NotificationRepository

	// 服务
	publisher    service.EventPublisher
	balanceSvc   *service.BalanceService
	enricherSvc  *service.EnricherService
	relaySvc     *service.RelayService
	registrarSvc *service.RegistrarService
	syncers      []*service.EventSynchronizer

	// Kafka
	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	// 调度与订阅
	scheduler *Scheduler
	watcher   *Watcher

	// HTTP
	health     *handler.HealthHandler
	httpServer *http.Server

	// 运行控制
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"infrastructure", app.initInfrastructure},
		{"blockchain", app.initBlockchain},
		{"repositories", app.initRepositories},
		{"kafka producer", app.initKafkaProducer},
		{"services", app.initServices},
		{"kafka consumer", app.initKafkaConsumer},
		{"http", app.initHTTP},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			app.shutdown()
			return nil, fmt.Errorf("failed to init %s: %w", step.name, err)
		}
	}

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(a.ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", redisAddr))

	return nil
}

// initBlockchain 初始化链节点网关和合约
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:            bc.ChainID,
		PrivateKey:         a.cfg.Relay.SponsorPrivateKey,
		RPCURLs:            bc.RPCURLs(),
		MaxRetries:         bc.MaxRetries,
		RetryInterval:      time.Duration(bc.RetryInterval) * time.Millisecond,
		HealthCheckFreq:    30 * time.Second,
		MinRequestInterval: time.Duration(bc.MinRequestInterval) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chain = client

	a.resolver = blockchain.NewBlockResolver(client, &blockchain.ResolverConfig{
		MaxEntries:     bc.ResolverCacheSize,
		TimestampDelay: time.Duration(bc.TimestampDelay) * time.Millisecond,
	})

	a.token = contract.NewTokenContract(common.HexToAddress(bc.Contracts.Token), client)
	a.marketplace = contract.NewMarketplaceContract(common.HexToAddress(bc.Contracts.Marketplace), client)
	a.forwarder = contract.NewForwarderContract(common.HexToAddress(bc.Contracts.Forwarder), client)

	gasCfg, err := a.gasOracleConfig()
	if err != nil {
		return err
	}
	a.gasOracle = contract.NewGasOracle(gasCfg, client)

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("sponsor", client.Address().Hex()),
		zap.String("token", a.token.Address().Hex()),
		zap.String("marketplace", a.marketplace.Address().Hex()),
		zap.String("forwarder", a.forwarder.Address().Hex()))

	return nil
}

func (a *App) gasOracleConfig() (*contract.GasOracleConfig, error) {
	g := a.cfg.GasOracle
	cfg := &contract.GasOracleConfig{
		APIURL:     g.APIURL,
		FastField:  g.FastField,
		Timeout:    time.Duration(g.Timeout) * time.Second,
		CacheTTL:   time.Duration(g.CacheTTL) * time.Second,
		Multiplier: g.Multiplier,
	}

	gweiToWei := func(field, v string) (*big.Int, error) {
		d, err := decimal.NewFromString(v)
		if err != nil || d.Sign() <= 0 {
			return nil, fmt.Errorf("%w: gas_oracle.%s must be a positive gwei amount", config.ErrInvalidConfig, field)
		}
		return d.Shift(9).BigInt(), nil
	}

	var err error
	if g.DefaultGwei != "" {
		if cfg.DefaultGasPrice, err = gweiToWei("default_gwei", g.DefaultGwei); err != nil {
			return nil, err
		}
	}
	if g.MaxGwei != "" {
		if cfg.MaxGasPrice, err = gweiToWei("max_gwei", g.MaxGwei); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() error {
	a.transactor = repository.NewRepository(a.db)
	a.txRepo = repository.NewTransactionRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.userRepo = repository.NewUserRepository(a.db)
	a.serviceRepo = repository.NewServiceRepository(a.db)
	a.notifRepo = repository.NewNotificationRepository(a.db)

	logger.Info("repositories initialized")
	return nil
}

// initKafkaProducer 初始化 Kafka 生产者, 未配置 broker 时事件只落库不发送
func (a *App) initKafkaProducer() error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.publisher = service.NopPublisher{}
		logger.Warn("kafka brokers not configured, events will not be published")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.publisher = kafka.NewKafkaEventPublisher(producer)

	logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initServices 初始化服务
func (a *App) initServices() error {
	chainID := a.cfg.Blockchain.ChainID

	// 余额刷新
	a.balanceSvc = service.NewBalanceService(a.token, a.userRepo, a.publisher)

	// 时间戳回填
	a.enricherSvc = service.NewEnricherService(a.chain, a.resolver, a.txRepo, a.notifRepo, &service.EnricherConfig{
		BatchSize: a.cfg.Sync.EnricherBatch,
	})

	// 中继: 用户签名密钥和两套 nonce
	keyring := crypto.NewMemoryKeyring()
	for i, key := range a.cfg.Relay.UserKeys {
		if _, err := keyring.Add(key); err != nil {
			return fmt.Errorf("%w: relay.user_keys[%d]: %v", config.ErrInvalidConfig, i, err)
		}
	}

	nonceCfg := func(namespace string) *blockchain.NonceManagerConfig {
		return &blockchain.NonceManagerConfig{
			Namespace:  namespace,
			ChainID:    chainID,
			LockTTL:    time.Duration(a.cfg.Relay.NonceLockTTL) * time.Second,
			PendingTTL: time.Duration(a.cfg.Relay.NoncePendingTTL) * time.Second,
		}
	}
	forwarderNonces := blockchain.NewNonceManager(a.redis, func(ctx context.Context, addr common.Address) (uint64, error) {
		n, err := a.forwarder.GetNonce(ctx, addr)
		if err != nil {
			return 0, err
		}
		return n.Uint64(), nil
	}, nonceCfg("forwarder"))
	sponsorNonces := blockchain.NewNonceManager(a.redis, a.chain.PendingNonceAt, nonceCfg("sponsor"))

	contracts := a.cfg.Blockchain.Contracts
	domain := crypto.EIP712Domain{
		Name:              contracts.ForwarderName,
		Version:           contracts.ForwarderVersion,
		ChainID:           chainID,
		VerifyingContract: a.forwarder.Address(),
	}

	a.relaySvc = service.NewRelayService(&service.RelayServiceConfig{
		ChainID:         chainID,
		Chain:           a.chain,
		Forwarder:       a.forwarder,
		Marketplace:     a.marketplace,
		Token:           a.token,
		ForwarderNonces: forwarderNonces,
		SponsorNonces:   sponsorNonces,
		GasOracle:       a.gasOracle,
		Keyring:         keyring,
		TxRepo:          a.txRepo,
		Domain:          &domain,
	})

	// 服务上链
	a.registrarSvc = service.NewRegistrarService(a.relaySvc, a.serviceRepo, a.userRepo, &service.RegistrarConfig{
		BatchSize: a.cfg.Sync.RegistrarBatch,
	})

	// 五个事件同步器
	syncers, err := service.NewSynchronizers(&service.SyncDeps{
		Logs:           a.chain,
		Resolver:       a.resolver,
		Decoder:        contract.NewDecoder(),
		Transactor:     a.transactor,
		TxRepo:         a.txRepo,
		CheckpointRepo: a.checkpointRepo,
		ServiceRepo:    a.serviceRepo,
		Notifier:       service.NewNotifier(a.notifRepo, a.userRepo, a.publisher),
		Balances:       a.balanceSvc,
	}, &service.SyncConfig{
		TokenAddress:       a.token.Address(),
		MarketplaceAddress: a.marketplace.Address(),
		StartBlock:         a.cfg.Sync.StartBlock,
		MaxBlockRange:      a.cfg.Sync.MaxBlockRange,
	})
	if err != nil {
		return err
	}
	for _, s := range syncers {
		s.SetAfterSync(a.runRegistrar)
	}
	a.syncers = syncers

	logger.Info("services initialized",
		zap.Int("synchronizers", len(syncers)),
		zap.Int("user_keys", len(a.cfg.Relay.UserKeys)))
	return nil
}

// runRegistrar 每轮同步结束后为未上链的服务提交注册
func (a *App) runRegistrar(ctx context.Context) {
	if _, err := a.registrarSvc.Run(ctx); err != nil {
		logger.Error("service registration failed", zap.Error(err))
	}
}

// initKafkaConsumer 初始化 Kafka 消费者
func (a *App) initKafkaConsumer() error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		return nil
	}

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:   a.cfg.Kafka.Brokers,
		GroupID:   a.cfg.Kafka.GroupID,
		Registrar: a.registrarSvc,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka consumer initialized", zap.String("group_id", a.cfg.Kafka.GroupID))
	return nil
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() error {
	a.health = handler.NewHealthHandler(map[string]handler.Pinger{
		"database": handler.PingFunc(func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
		"chain": handler.PingFunc(a.chain.HealthCheck),
	})

	reporters := make([]handler.SyncStatusReporter, 0, len(a.syncers))
	for _, s := range a.syncers {
		reporters = append(reporters, s)
	}

	router := handler.NewRouter(
		a.health,
		handler.NewRelayHandler(a.relaySvc),
		handler.NewLedgerHandler(a.txRepo, a.notifRepo, reporters),
	)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run 运行应用
func (a *App) Run() error {
	if err := a.bootstrap(); err != nil {
		a.shutdown()
		return err
	}

	// 启动 HTTP 服务器
	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	a.health.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	a.shutdown()
	return nil
}

// bootstrap 启动阶段的一次性任务、定时轮询、推送订阅和消费者
func (a *App) bootstrap() error {
	ctx := a.ctx

	refreshed, err := a.balanceSvc.RefreshAll(ctx)
	if err != nil {
		return fmt.Errorf("initial balance refresh: %w", err)
	}
	logger.Info("initial balance refresh done", zap.Int("refreshed", refreshed))

	a.runRegistrar(ctx)

	for _, s := range a.syncers {
		inserted, err := s.Sync(ctx)
		if err != nil {
			// 首轮失败不阻止启动, 由定时轮询重试
			logger.Error("initial sync failed",
				zap.String("synchronizer", s.Name()),
				zap.Error(err))
			continue
		}
		logger.Info("initial sync done",
			zap.String("synchronizer", s.Name()),
			zap.Int("inserted", inserted))
	}

	// 定时轮询
	a.scheduler = NewScheduler(ctx)
	interval := time.Duration(a.cfg.Sync.PollInterval) * time.Second
	jobNames := make(map[string]string, len(a.syncers))
	for _, s := range a.syncers {
		job := &syncJob{syncer: s}
		jobNames[s.Name()] = job.Name()
		if err := a.scheduler.Every(interval, job); err != nil {
			return err
		}
	}
	enricherJob := NewJobFunc("enricher", func(ctx context.Context) error {
		_, err := a.enricherSvc.Run(ctx)
		return err
	})
	if err := a.scheduler.Every(interval, enricherJob); err != nil {
		return err
	}
	a.scheduler.Start()

	// 推送订阅
	if a.cfg.Sync.Subscribe {
		trigger := func(names ...string) func() {
			return func() {
				for _, name := range names {
					if err := a.scheduler.Trigger(jobNames[name]); err != nil {
						logger.Warn("failed to trigger sync", zap.String("synchronizer", name), zap.Error(err))
					}
				}
			}
		}
		relayedSyncs := trigger(
			service.SyncerDealCreated,
			service.SyncerDealValidated,
			service.SyncerDealCancelled,
			service.SyncerServiceCreated,
		)
		a.watcher = NewWatcher(a.chain, WatcherConfig{
			Token:          a.token.Address(),
			TransferTopic:  a.token.TransferEventTopic(),
			Relayed:        []common.Address{a.forwarder.Address(), a.marketplace.Address()},
			OnTransfer:     trigger(service.SyncerTransfer),
			OnRelayedBlock: relayedSyncs,
		})
		a.watcher.Start(ctx)
	}

	// Kafka 消费者
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}
	return nil
}

// shutdown 关闭应用
func (a *App) shutdown() {
	logger.Info("shutting down...")

	if a.health != nil {
		a.health.SetReady(false)
	}

	// 关闭 HTTP 服务器
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		cancel()
	}

	// 停止 Kafka 消费者
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Error("kafka consumer stop error", zap.Error(err))
		}
	}

	// 取消订阅和进行中的任务, 等待定时任务退出
	a.cancel()
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Error("kafka producer close error", zap.Error(err))
		}
	}

	// 关闭区块链客户端
	if a.chain != nil {
		a.chain.Close()
	}

	// 关闭 Redis
	if a.redis != nil {
		a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
