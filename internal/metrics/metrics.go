// Package metrics 提供 market-chain 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "market_chain"

// 事件同步指标
var (
	// SyncRunsTotal 同步执行次数
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "同步器执行次数",
		},
		[]string{"synchronizer", "status"}, // status: success, failed, skipped
	)

	// SyncDuration 单次同步耗时
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "单次同步耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"synchronizer"},
	)

	// EventsSyncedTotal 新写入账本的事件数
	EventsSyncedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_synced_total",
			Help:      "新写入账本的链上事件总数",
		},
		[]string{"event"},
	)

	// EventsSkippedTotal 解码失败被跳过的日志数
	EventsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "解码失败被跳过的日志总数",
		},
		[]string{"synchronizer"},
	)

	// CheckpointGauge 同步检查点高度
	CheckpointGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_checkpoint_block",
			Help:      "同步器检查点区块高度",
		},
		[]string{"synchronizer"},
	)

	// LatestChainBlockGauge 链上最新区块高度
	LatestChainBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_chain_block",
			Help:      "链上最新区块高度",
		},
	)

	// TimestampsEnrichedTotal 回填时间戳数量
	TimestampsEnrichedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamps_enriched_total",
			Help:      "回填时间戳的账本记录总数",
		},
	)

	// BalanceRefreshesTotal 余额刷新次数
	BalanceRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_refreshes_total",
			Help:      "余额刷新次数",
		},
		[]string{"status"}, // success, failed, unknown_wallet
	)

	// RegistrarTotal 服务注册处理结果
	RegistrarTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrar_services_total",
			Help:      "服务上链注册处理结果",
		},
		[]string{"status"}, // submitted, failed
	)
)

// Relay 指标
var (
	// RelaySubmissionsTotal 转发交易提交数
	RelaySubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_submissions_total",
			Help:      "元交易提交总数",
		},
		[]string{"method", "status"}, // status: success, failed, skipped
	)

	// RelayDuration 提交耗时 (含 nonce 锁等待)
	RelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "元交易提交耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method"},
	)

	// GasPriceGauge 当前使用的 Gas 价格
	GasPriceGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gas_price_gwei",
			Help:      "当前 Gas 价格 (Gwei)",
		},
		[]string{"source"}, // api, node, cached, default
	)
)

// 链节点访问指标
var (
	// RPCCallsTotal RPC 调用次数
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "链节点 RPC 调用总数",
		},
		[]string{"method", "status"},
	)

	// RPCRetriesTotal RPC 重试次数
	RPCRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "链节点 RPC 重试总数",
		},
		[]string{"method"},
	)

	// RPCDuration RPC 调用耗时
	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "链节点 RPC 调用耗时(秒), 含限速等待",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// Kafka 指标
var (
	// KafkaMessagesConsumed Kafka 消费消息数
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Kafka 消费消息总数",
		},
		[]string{"topic"},
	)

	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic"},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "code"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"method", "path"},
	)
)

// Helper functions

// RecordSyncRun 记录一次同步
func RecordSyncRun(synchronizer, status string, durationSeconds float64) {
	SyncRunsTotal.WithLabelValues(synchronizer, status).Inc()
	if durationSeconds > 0 {
		SyncDuration.WithLabelValues(synchronizer).Observe(durationSeconds)
	}
}

// RecordEventsSynced 记录新写入的事件
func RecordEventsSynced(event string, count int) {
	if count > 0 {
		EventsSyncedTotal.WithLabelValues(event).Add(float64(count))
	}
}

// RecordEventSkipped 记录被跳过的日志
func RecordEventSkipped(synchronizer string) {
	EventsSkippedTotal.WithLabelValues(synchronizer).Inc()
}

// UpdateCheckpoint 更新检查点
func UpdateCheckpoint(synchronizer string, block int64) {
	CheckpointGauge.WithLabelValues(synchronizer).Set(float64(block))
}

// UpdateChainHead 更新链上最新区块
func UpdateChainHead(block uint64) {
	LatestChainBlockGauge.Set(float64(block))
}

// RecordRelay 记录元交易提交
func RecordRelay(method, status string, durationSeconds float64) {
	RelaySubmissionsTotal.WithLabelValues(method, status).Inc()
	if durationSeconds > 0 {
		RelayDuration.WithLabelValues(method).Observe(durationSeconds)
	}
}

// UpdateGasPrice 更新 Gas 价格
func UpdateGasPrice(source string, gasPriceGwei float64) {
	GasPriceGauge.WithLabelValues(source).Set(gasPriceGwei)
}

// RecordRPCCall 记录 RPC 调用
func RecordRPCCall(method, status string, durationSeconds float64) {
	RPCCallsTotal.WithLabelValues(method, status).Inc()
	RPCDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordRPCRetry 记录 RPC 重试
func RecordRPCRetry(method string) {
	RPCRetriesTotal.WithLabelValues(method).Inc()
}

// RecordBalanceRefresh 记录余额刷新
func RecordBalanceRefresh(status string) {
	BalanceRefreshesTotal.WithLabelValues(status).Inc()
}

// RecordRegistrar 记录服务注册结果
func RecordRegistrar(status string) {
	RegistrarTotal.WithLabelValues(status).Inc()
}

// RecordEnriched 记录时间戳回填
func RecordEnriched(count int) {
	if count > 0 {
		TimestampsEnrichedTotal.Add(float64(count))
	}
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, produced bool) {
	if produced {
		KafkaMessagesProduced.WithLabelValues(topic).Inc()
	} else {
		KafkaMessagesConsumed.WithLabelValues(topic).Inc()
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path, code string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, code).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
