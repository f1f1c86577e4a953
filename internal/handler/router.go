package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 注册中间件和路由
func NewRouter(health *HealthHandler, relay *RelayHandler, ledger *LedgerHandler) *gin.Engine {
	engine := gin.New()
	// 中间件链: Recovery → AccessLog → Metrics
	engine.Use(Recovery(), AccessLog(), Metrics())

	// ========== 健康检查 ==========
	engine.GET("/health/live", health.Live)
	engine.GET("/health/ready", health.Ready)

	// ========== Prometheus 监控端点 ==========
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")

	// ========== 元交易中继 ==========
	relayGroup := v1.Group("/relay")
	{
		relayGroup.POST("/services", relay.CreateService)
		relayGroup.PUT("/services/:service_id", relay.UpdateService)
		relayGroup.POST("/services/:service_id/book", relay.BookService)
		relayGroup.POST("/deals/:deal_id/cancel", relay.CancelDeal)
		relayGroup.POST("/deals/:deal_id/validate", relay.ValidateDeal)
		relayGroup.POST("/allowance", relay.ApproveAllowance)
		relayGroup.POST("/roles/provider", relay.GrantProviderRole)
		relayGroup.POST("/bonus/redeem", relay.RedeemBonus)
	}

	// ========== 账本查询 ==========
	v1.GET("/addresses/:address/transactions", ledger.ListTransactions)
	v1.GET("/addresses/:address/notifications", ledger.ListNotifications)
	v1.GET("/transactions/:hash", ledger.GetTransaction)
	v1.GET("/supply/minted", ledger.GetMintedSupply)
	v1.GET("/sync/status", ledger.SyncStatus)

	return engine
}
