package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExpandEnvVars 测试环境变量展开
func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		os.Setenv("TEST_VAR", "hello")
		defer os.Unsetenv("TEST_VAR")

		result := expandEnvVars("value is ${TEST_VAR}")
		assert.Equal(t, "value is hello", result)
	})

	t.Run("variable with default", func(t *testing.T) {
		// 不设置环境变量，使用默认值
		result := expandEnvVars("value is ${NOT_EXISTS:default_value}")
		assert.Equal(t, "value is default_value", result)
	})

	t.Run("variable with default overridden", func(t *testing.T) {
		os.Setenv("MY_VAR", "actual_value")
		defer os.Unsetenv("MY_VAR")

		result := expandEnvVars("value is ${MY_VAR:default_value}")
		assert.Equal(t, "value is actual_value", result)
	})

	t.Run("multiple variables", func(t *testing.T) {
		os.Setenv("VAR1", "first")
		os.Setenv("VAR2", "second")
		defer os.Unsetenv("VAR1")
		defer os.Unsetenv("VAR2")

		result := expandEnvVars("${VAR1} and ${VAR2}")
		assert.Equal(t, "first and second", result)
	})

	t.Run("no variables", func(t *testing.T) {
		result := expandEnvVars("no variables here")
		assert.Equal(t, "no variables here", result)
	})

	t.Run("empty default", func(t *testing.T) {
		result := expandEnvVars("value is ${NOT_EXISTS:}")
		assert.Equal(t, "value is ", result)
	})

	t.Run("default with colon", func(t *testing.T) {
		result := expandEnvVars("value is ${NOT_EXISTS:default:with:colons}")
		assert.Equal(t, "value is default:with:colons", result)
	})
}

// TestSetDefaults 测试默认值设置
func TestSetDefaults(t *testing.T) {
	t.Run("all defaults", func(t *testing.T) {
		cfg := &Config{}
		setDefaults(cfg)

		assert.Equal(t, "market-chain", cfg.Service.Name)
		assert.Equal(t, 8080, cfg.Service.HTTPPort)
		assert.Equal(t, "dev", cfg.Service.Env)

		assert.Equal(t, 5432, cfg.Postgres.Port)
		assert.Equal(t, 50, cfg.Postgres.MaxConnections)
		assert.Equal(t, 10, cfg.Postgres.MaxIdleConns)
		assert.Equal(t, 3600, cfg.Postgres.ConnMaxLifetime)

		assert.Equal(t, 50, cfg.Redis.PoolSize)
		assert.Equal(t, "market-chain", cfg.Kafka.GroupID)

		assert.Equal(t, int64(31337), cfg.Blockchain.ChainID)
		assert.Equal(t, 3, cfg.Blockchain.MaxRetries)
		assert.Equal(t, 100000, cfg.Blockchain.ResolverCacheSize)
		assert.Equal(t, "MinimalForwarder", cfg.Blockchain.Contracts.ForwarderName)

		assert.Equal(t, 15, cfg.Sync.PollInterval)
		assert.Equal(t, uint64(2000), cfg.Sync.MaxBlockRange)
		assert.Equal(t, 300, cfg.Relay.NoncePendingTTL)
		assert.Equal(t, "30", cfg.GasOracle.DefaultGwei)
		assert.Equal(t, 1.1, cfg.GasOracle.Multiplier)

		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("partial config", func(t *testing.T) {
		cfg := &Config{
			Service: ServiceConfig{
				Name:     "custom-name",
				HTTPPort: 9999,
			},
			Blockchain: BlockchainConfig{
				ChainID: 80002, // Polygon Amoy
			},
			Sync: SyncConfig{
				StartBlock:    1200,
				MaxBlockRange: 500,
			},
		}
		setDefaults(cfg)

		// 已设置的值不应该被覆盖
		assert.Equal(t, "custom-name", cfg.Service.Name)
		assert.Equal(t, 9999, cfg.Service.HTTPPort)
		assert.Equal(t, int64(80002), cfg.Blockchain.ChainID)
		assert.Equal(t, uint64(1200), cfg.Sync.StartBlock)
		assert.Equal(t, uint64(500), cfg.Sync.MaxBlockRange)

		// 未设置的值应该使用默认值
		assert.Equal(t, "dev", cfg.Service.Env)
		assert.Equal(t, 5432, cfg.Postgres.Port)
		assert.Equal(t, "custom-name", cfg.Kafka.ClientID)
	})
}

func validConfig() *Config {
	cfg := &Config{
		Blockchain: BlockchainConfig{
			RPCURL: "http://localhost:8545",
			Contracts: ContractsConfig{
				Token:       "0x5FbDB2315678afecb367f032d93F642f64180aa3",
				Marketplace: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
				Forwarder:   "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
			},
		},
		Relay: RelayConfig{
			SponsorPrivateKey: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		},
	}
	setDefaults(cfg)
	return cfg
}

// TestValidate 测试启动配置校验
func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"missing rpc url", func(cfg *Config) { cfg.Blockchain.RPCURL = "" }},
		{"invalid chain id", func(cfg *Config) { cfg.Blockchain.ChainID = -1 }},
		{"missing token", func(cfg *Config) { cfg.Blockchain.Contracts.Token = "" }},
		{"malformed marketplace", func(cfg *Config) { cfg.Blockchain.Contracts.Marketplace = "0x1234" }},
		{"zero forwarder", func(cfg *Config) {
			cfg.Blockchain.Contracts.Forwarder = "0x0000000000000000000000000000000000000000"
		}},
		{"missing sponsor key", func(cfg *Config) { cfg.Relay.SponsorPrivateKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestRPCURLs(t *testing.T) {
	cfg := BlockchainConfig{
		RPCURL:        "http://primary:8545",
		BackupRPCURLs: []string{"http://backup-1:8545", "http://backup-2:8545"},
	}
	assert.Equal(t, []string{"http://primary:8545", "http://backup-1:8545", "http://backup-2:8545"}, cfg.RPCURLs())

	cfg.RPCURL = ""
	assert.Len(t, cfg.RPCURLs(), 2)
}

// TestGetEnvInt 测试获取环境变量整数值
func TestGetEnvInt(t *testing.T) {
	t.Run("env variable exists", func(t *testing.T) {
		os.Setenv("TEST_INT", "42")
		defer os.Unsetenv("TEST_INT")

		result := GetEnvInt("TEST_INT", 0)
		assert.Equal(t, 42, result)
	})

	t.Run("env variable not exists", func(t *testing.T) {
		result := GetEnvInt("NOT_EXISTS_INT", 100)
		assert.Equal(t, 100, result)
	})

	t.Run("env variable invalid", func(t *testing.T) {
		os.Setenv("TEST_INVALID_INT", "not-a-number")
		defer os.Unsetenv("TEST_INVALID_INT")

		result := GetEnvInt("TEST_INVALID_INT", 50)
		assert.Equal(t, 50, result)
	})

	t.Run("env variable empty", func(t *testing.T) {
		os.Setenv("TEST_EMPTY_INT", "")
		defer os.Unsetenv("TEST_EMPTY_INT")

		result := GetEnvInt("TEST_EMPTY_INT", 25)
		assert.Equal(t, 25, result)
	})
}

// TestGetEnvString 测试获取环境变量字符串值
func TestGetEnvString(t *testing.T) {
	t.Run("env variable exists", func(t *testing.T) {
		os.Setenv("TEST_STRING", "hello")
		defer os.Unsetenv("TEST_STRING")

		result := GetEnvString("TEST_STRING", "default")
		assert.Equal(t, "hello", result)
	})

	t.Run("env variable not exists", func(t *testing.T) {
		result := GetEnvString("NOT_EXISTS_STRING", "default")
		assert.Equal(t, "default", result)
	})

	t.Run("env variable empty", func(t *testing.T) {
		os.Setenv("TEST_EMPTY_STRING", "")
		defer os.Unsetenv("TEST_EMPTY_STRING")

		result := GetEnvString("TEST_EMPTY_STRING", "default")
		assert.Equal(t, "default", result)
	})
}

// TestLoad 测试配置加载
func TestLoad(t *testing.T) {
	t.Run("file not exists", func(t *testing.T) {
		_, err := Load("/path/to/nonexistent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("valid config file", func(t *testing.T) {
		// 创建临时配置文件
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		configContent := `
service:
  name: market-chain-test
  http_port: 8081
  env: test

postgres:
  host: localhost
  port: 5432
  database: market_chain_test
  user: postgres
  password: ${DB_PASSWORD:test_password}

redis:
  addresses:
    - localhost:6379
  password: ""

kafka:
  brokers:
    - localhost:9092
  group_id: market-chain-test

blockchain:
  rpc_url: http://localhost:8545
  chain_id: 31337
  contracts:
    token: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    marketplace: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
    forwarder: "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"

sync:
  start_block: 42
  poll_interval: 5
  max_block_range: 1000

relay:
  sponsor_private_key: ${SPONSOR_KEY:0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80}

gas_oracle:
  api_url: https://gasstation.example.com/v2
  fast_field: fast.maxFee

log:
  level: debug
  format: console
`
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		assert.NoError(t, err)

		cfg, err := Load(configPath)
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证配置值
		assert.Equal(t, "market-chain-test", cfg.Service.Name)
		assert.Equal(t, 8081, cfg.Service.HTTPPort)
		assert.Equal(t, "test", cfg.Service.Env)
		assert.Equal(t, "localhost", cfg.Postgres.Host)
		assert.Equal(t, "test_password", cfg.Postgres.Password) // 使用默认值
		assert.Equal(t, uint64(42), cfg.Sync.StartBlock)
		assert.Equal(t, 5, cfg.Sync.PollInterval)
		assert.Equal(t, "fast.maxFee", cfg.GasOracle.FastField)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("config with env override", func(t *testing.T) {
		// 创建临时配置文件
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		configContent := `
service:
  name: market-chain
  http_port: 8080

postgres:
  password: ${DB_PASSWORD:default_pw}
`
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		assert.NoError(t, err)

		// 设置环境变量
		os.Setenv("DB_PASSWORD", "secret_password")
		defer os.Unsetenv("DB_PASSWORD")

		cfg, err := Load(configPath)
		assert.NoError(t, err)
		assert.Equal(t, "secret_password", cfg.Postgres.Password)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.yaml")

		// 无效的 YAML
		invalidContent := `
service:
  name: [this is not valid
  http_port 8080
`
		err := os.WriteFile(configPath, []byte(invalidContent), 0644)
		assert.NoError(t, err)

		_, err = Load(configPath)
		assert.Error(t, err)
	})
}
