package handler

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/repository"
	"github.com/skillmarket/market-chain/internal/service"
	"github.com/skillmarket/market-chain/pkg/logger"
)

// SyncStatusReporter 同步器状态, 由 *service.EventSynchronizer 实现
type SyncStatusReporter interface {
	Status(ctx context.Context) (*service.SyncStatus, error)
}

// LedgerHandler 账本查询接口
type LedgerHandler struct {
	txRepo        repository.TransactionRepository
	notifRepo     repository.NotificationRepository
	synchronizers []SyncStatusReporter
}

// NewLedgerHandler 创建账本处理器
func NewLedgerHandler(
	txRepo repository.TransactionRepository,
	notifRepo repository.NotificationRepository,
	synchronizers []SyncStatusReporter,
) *LedgerHandler {
	return &LedgerHandler{
		txRepo:        txRepo,
		notifRepo:     notifRepo,
		synchronizers: synchronizers,
	}
}

// MintedSupply 代币发行总量响应
type MintedSupply struct {
	TotalMinted string `json:"total_minted"`
}

// ListTransactions 查询地址相关的交易
// GET /api/v1/addresses/:address/transactions?event=&method=&page=&page_size=
func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		BadRequest(c, "invalid address")
		return
	}

	filter := &model.TransactionFilter{}
	if event := c.Query("event"); event != "" {
		filter.Event = model.Ptr(model.ChainEventKind(event))
	}
	if method := c.Query("method"); method != "" {
		filter.Method = model.Ptr(model.TxMethod(method))
	}
	page := parsePagination(c)

	txs, err := h.txRepo.ListByAddress(c.Request.Context(), address, filter, page)
	if err != nil {
		logger.Error("failed to list transactions",
			zap.String("address", address),
			zap.Error(err))
		InternalError(c)
		return
	}

	SuccessWithPagination(c, txs, page)
}

// GetTransaction 按交易哈希查询
// GET /api/v1/transactions/:hash
func (h *LedgerHandler) GetTransaction(c *gin.Context) {
	hash := c.Param("hash")
	if len(common.FromHex(hash)) != common.HashLength {
		BadRequest(c, "invalid transaction hash")
		return
	}

	tx, err := h.txRepo.GetByHash(c.Request.Context(), hash)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			NotFound(c, "transaction not found")
			return
		}
		logger.Error("failed to get transaction",
			zap.String("hash", hash),
			zap.Error(err))
		InternalError(c)
		return
	}

	Success(c, tx)
}

// GetMintedSupply 已发行代币总量
// GET /api/v1/supply/minted
func (h *LedgerHandler) GetMintedSupply(c *gin.Context) {
	total, err := h.txRepo.TotalMinted(c.Request.Context())
	if err != nil {
		logger.Error("failed to sum minted supply", zap.Error(err))
		InternalError(c)
		return
	}

	Success(c, &MintedSupply{TotalMinted: total.String()})
}

// ListNotifications 查询地址的通知
// GET /api/v1/addresses/:address/notifications?page=&page_size=
func (h *LedgerHandler) ListNotifications(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		BadRequest(c, "invalid address")
		return
	}
	page := parsePagination(c)

	notifications, err := h.notifRepo.ListByAddress(c.Request.Context(), address, page)
	if err != nil {
		logger.Error("failed to list notifications",
			zap.String("address", address),
			zap.Error(err))
		InternalError(c)
		return
	}

	SuccessWithPagination(c, notifications, page)
}

// SyncStatus 各同步器的检查点和最近一次运行情况
// GET /api/v1/sync/status
func (h *LedgerHandler) SyncStatus(c *gin.Context) {
	statuses := make([]*service.SyncStatus, 0, len(h.synchronizers))
	for _, s := range h.synchronizers {
		status, err := s.Status(c.Request.Context())
		if err != nil {
			logger.Error("failed to read sync status", zap.Error(err))
			InternalError(c)
			return
		}
		statuses = append(statuses, status)
	}

	Success(c, statuses)
}
