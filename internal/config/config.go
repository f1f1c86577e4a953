package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 配置缺失或非法
var ErrInvalidConfig = errors.New("invalid config")

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Relay      RelayConfig      `yaml:"relay" json:"relay"`
	GasOracle  GasOracleConfig  `yaml:"gas_oracle" json:"gas_oracle"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置, brokers 为空时不启用 Kafka
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL        string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID       int64    `yaml:"chain_id" json:"chain_id"`
	// MaxRetries 单次调用的最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryInterval 重试初始间隔 (毫秒), 指数退避
	RetryInterval int `yaml:"retry_interval" json:"retry_interval"`
	// MinRequestInterval 两次节点调用的最小间隔 (毫秒)
	MinRequestInterval int `yaml:"min_request_interval" json:"min_request_interval"`
	// TimestampDelay 查询区块时间戳前的等待 (毫秒)
	TimestampDelay int `yaml:"timestamp_delay" json:"timestamp_delay"`
	// ResolverCacheSize 区块解析缓存上限
	ResolverCacheSize int             `yaml:"resolver_cache_size" json:"resolver_cache_size"`
	Contracts         ContractsConfig `yaml:"contracts" json:"contracts"`
}

// ContractsConfig 合约地址
type ContractsConfig struct {
	Token            string `yaml:"token" json:"token"`
	Marketplace      string `yaml:"marketplace" json:"marketplace"`
	Forwarder        string `yaml:"forwarder" json:"forwarder"`
	ForwarderName    string `yaml:"forwarder_name" json:"forwarder_name"`
	ForwarderVersion string `yaml:"forwarder_version" json:"forwarder_version"`
}

// SyncConfig 同步配置
type SyncConfig struct {
	StartBlock uint64 `yaml:"start_block" json:"start_block"`
	// PollInterval 轮询间隔 (秒)
	PollInterval   int    `yaml:"poll_interval" json:"poll_interval"`
	MaxBlockRange  uint64 `yaml:"max_block_range" json:"max_block_range"`
	EnricherBatch  int    `yaml:"enricher_batch" json:"enricher_batch"`
	RegistrarBatch int    `yaml:"registrar_batch" json:"registrar_batch"`
	// Subscribe 是否启用推送订阅 (需要 websocket 节点)
	Subscribe bool `yaml:"subscribe" json:"subscribe"`
}

// RelayConfig 代付配置
type RelayConfig struct {
	// SponsorPrivateKey 代付账户私钥
	SponsorPrivateKey string `yaml:"sponsor_private_key" json:"-"`
	// UserKeys 托管的用户签名私钥
	UserKeys []string `yaml:"user_keys" json:"-"`
	// NonceLockTTL 地址锁过期时间 (秒)
	NonceLockTTL int `yaml:"nonce_lock_ttl" json:"nonce_lock_ttl"`
	// NoncePendingTTL 已分配 nonce 的保留时间 (秒)
	NoncePendingTTL int `yaml:"nonce_pending_ttl" json:"nonce_pending_ttl"`
}

// GasOracleConfig gas 价格配置
type GasOracleConfig struct {
	APIURL    string `yaml:"api_url" json:"api_url"`
	FastField string `yaml:"fast_field" json:"fast_field"`
	// Timeout 请求超时 (秒)
	Timeout int `yaml:"timeout" json:"timeout"`
	// CacheTTL 价格缓存时间 (秒)
	CacheTTL    int     `yaml:"cache_ttl" json:"cache_ttl"`
	Multiplier  float64 `yaml:"multiplier" json:"multiplier"`
	MaxGwei     string  `yaml:"max_gwei" json:"max_gwei"`
	DefaultGwei string  `yaml:"default_gwei" json:"default_gwei"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := string(data)
	content = expandEnvVars(content)

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "market-chain"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.Service.Name
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.MaxRetries == 0 {
		cfg.Blockchain.MaxRetries = 3
	}
	if cfg.Blockchain.RetryInterval == 0 {
		cfg.Blockchain.RetryInterval = 500
	}
	if cfg.Blockchain.MinRequestInterval == 0 {
		cfg.Blockchain.MinRequestInterval = 50
	}
	if cfg.Blockchain.ResolverCacheSize == 0 {
		cfg.Blockchain.ResolverCacheSize = 100000
	}
	if cfg.Blockchain.Contracts.ForwarderName == "" {
		cfg.Blockchain.Contracts.ForwarderName = "MinimalForwarder"
	}
	if cfg.Blockchain.Contracts.ForwarderVersion == "" {
		cfg.Blockchain.Contracts.ForwarderVersion = "0.0.1"
	}

	if cfg.Sync.PollInterval == 0 {
		cfg.Sync.PollInterval = 15
	}
	if cfg.Sync.MaxBlockRange == 0 {
		cfg.Sync.MaxBlockRange = 2000
	}
	if cfg.Sync.EnricherBatch == 0 {
		cfg.Sync.EnricherBatch = 100
	}
	if cfg.Sync.RegistrarBatch == 0 {
		cfg.Sync.RegistrarBatch = 50
	}

	if cfg.Relay.NonceLockTTL == 0 {
		cfg.Relay.NonceLockTTL = 30
	}
	if cfg.Relay.NoncePendingTTL == 0 {
		cfg.Relay.NoncePendingTTL = 300
	}

	if cfg.GasOracle.FastField == "" {
		cfg.GasOracle.FastField = "fast"
	}
	if cfg.GasOracle.Timeout == 0 {
		cfg.GasOracle.Timeout = 5
	}
	if cfg.GasOracle.CacheTTL == 0 {
		cfg.GasOracle.CacheTTL = 12
	}
	if cfg.GasOracle.Multiplier == 0 {
		cfg.GasOracle.Multiplier = 1.1
	}
	if cfg.GasOracle.DefaultGwei == "" {
		cfg.GasOracle.DefaultGwei = "30"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate 校验启动必需的配置, 缺失时服务不能启动
func (c *Config) Validate() error {
	if c.Blockchain.RPCURL == "" {
		return fmt.Errorf("%w: blockchain.rpc_url is required", ErrInvalidConfig)
	}
	if c.Blockchain.ChainID <= 0 {
		return fmt.Errorf("%w: blockchain.chain_id must be positive", ErrInvalidConfig)
	}

	contracts := map[string]string{
		"token":       c.Blockchain.Contracts.Token,
		"marketplace": c.Blockchain.Contracts.Marketplace,
		"forwarder":   c.Blockchain.Contracts.Forwarder,
	}
	for _, name := range []string{"token", "marketplace", "forwarder"} {
		addr := contracts[name]
		if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
			return fmt.Errorf("%w: blockchain.contracts.%s is not a valid address", ErrInvalidConfig, name)
		}
	}

	if c.Relay.SponsorPrivateKey == "" {
		return fmt.Errorf("%w: relay.sponsor_private_key is required", ErrInvalidConfig)
	}
	if c.Sync.MaxBlockRange == 0 {
		return fmt.Errorf("%w: sync.max_block_range must be positive", ErrInvalidConfig)
	}
	return nil
}

// RPCURLs 主节点在前, 备用节点在后
func (c *BlockchainConfig) RPCURLs() []string {
	urls := make([]string, 0, 1+len(c.BackupRPCURLs))
	if c.RPCURL != "" {
		urls = append(urls, c.RPCURL)
	}
	return append(urls, c.BackupRPCURLs...)
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
