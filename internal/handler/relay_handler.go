package handler

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillmarket/market-chain/internal/model"
	"github.com/skillmarket/market-chain/internal/service"
	"github.com/skillmarket/market-chain/pkg/crypto"
	"github.com/skillmarket/market-chain/pkg/logger"
)

// RelayOperator 中继操作, 由 *service.RelayService 实现
type RelayOperator interface {
	BookService(ctx context.Context, from common.Address, serviceID *big.Int) (*service.RelayResult, error)
	CancelDealAsBuyer(ctx context.Context, from common.Address, dealID *big.Int) (*service.RelayResult, error)
	CancelDealAsProvider(ctx context.Context, from common.Address, dealID *big.Int) (*service.RelayResult, error)
	ValidateDealAsBuyer(ctx context.Context, from common.Address, dealID *big.Int) (*service.RelayResult, error)
	ValidateDealAsProvider(ctx context.Context, from common.Address, dealID *big.Int) (*service.RelayResult, error)
	CreateService(ctx context.Context, from common.Address, spec *service.ServiceSpec, targetID string) (*service.RelayResult, error)
	UpdateService(ctx context.Context, from common.Address, spec *service.ServiceSpec) (*service.RelayResult, error)
	ApproveAllowance(ctx context.Context, from common.Address, amount *big.Int) (*service.RelayResult, error)
	GrantRoleFor(ctx context.Context, admin, account common.Address) (*service.RelayResult, error)
	RedeemBonus(ctx context.Context, from common.Address, amount *big.Int) (*service.RelayResult, error)
}

// 交易方角色
const (
	RoleBuyer    = "buyer"
	RoleProvider = "provider"
)

// RelayHandler 元交易中继接口
type RelayHandler struct {
	relay RelayOperator
}

// NewRelayHandler 创建中继处理器
func NewRelayHandler(relay RelayOperator) *RelayHandler {
	return &RelayHandler{relay: relay}
}

type fromRequest struct {
	From string `json:"from" binding:"required"`
}

type dealRequest struct {
	From string `json:"from" binding:"required"`
	Role string `json:"role" binding:"required,oneof=buyer provider"`
}

type serviceRequest struct {
	From        string `json:"from" binding:"required"`
	Price       string `json:"price" binding:"required"`
	TotalSupply string `json:"total_supply"`
	Audience    string `json:"audience" binding:"required"`
	// TargetID 业务侧服务 ID, 创建时记入账本
	TargetID string `json:"target_id"`
}

type amountRequest struct {
	From   string `json:"from" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

type grantRoleRequest struct {
	Admin   string `json:"admin" binding:"required"`
	Account string `json:"account" binding:"required"`
}

// BookService 预订服务
// POST /api/v1/relay/services/:service_id/book
func (h *RelayHandler) BookService(c *gin.Context) {
	serviceID, ok := parseUint(c.Param("service_id"))
	if !ok {
		BadRequest(c, "invalid service id")
		return
	}
	var req fromRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		BadRequest(c, "invalid from address")
		return
	}

	result, err := h.relay.BookService(c.Request.Context(), from, serviceID)
	h.respond(c, model.TxMethodBookService, result, err)
}

// CancelDeal 取消交易
// POST /api/v1/relay/deals/:deal_id/cancel
func (h *RelayHandler) CancelDeal(c *gin.Context) {
	h.dealCall(c,
		model.TxMethodCancelDealAsBuyer, h.relay.CancelDealAsBuyer,
		model.TxMethodCancelDealAsProvider, h.relay.CancelDealAsProvider)
}

// ValidateDeal 确认交易
// POST /api/v1/relay/deals/:deal_id/validate
func (h *RelayHandler) ValidateDeal(c *gin.Context) {
	h.dealCall(c,
		model.TxMethodValidateDealAsBuyer, h.relay.ValidateDealAsBuyer,
		model.TxMethodValidateDealAsProvider, h.relay.ValidateDealAsProvider)
}

type dealFunc func(ctx context.Context, from common.Address, dealID *big.Int) (*service.RelayResult, error)

func (h *RelayHandler) dealCall(c *gin.Context, buyerMethod model.TxMethod, asBuyer dealFunc, providerMethod model.TxMethod, asProvider dealFunc) {
	dealID, ok := parseUint(c.Param("deal_id"))
	if !ok {
		BadRequest(c, "invalid deal id")
		return
	}
	var req dealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		BadRequest(c, "invalid from address")
		return
	}

	method, call := buyerMethod, asBuyer
	if req.Role == RoleProvider {
		method, call = providerMethod, asProvider
	}
	result, err := call(c.Request.Context(), from, dealID)
	h.respond(c, method, result, err)
}

// CreateService 创建服务
// POST /api/v1/relay/services
func (h *RelayHandler) CreateService(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	from, spec, ok := h.parseService(c, &req)
	if !ok {
		return
	}

	result, err := h.relay.CreateService(c.Request.Context(), from, spec, req.TargetID)
	h.respond(c, model.TxMethodCreateService, result, err)
}

// UpdateService 更新服务
// PUT /api/v1/relay/services/:service_id
func (h *RelayHandler) UpdateService(c *gin.Context) {
	serviceID, ok := parseUint(c.Param("service_id"))
	if !ok {
		BadRequest(c, "invalid service id")
		return
	}
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	from, spec, ok := h.parseService(c, &req)
	if !ok {
		return
	}
	spec.ServiceID = serviceID

	result, err := h.relay.UpdateService(c.Request.Context(), from, spec)
	h.respond(c, model.TxMethodUpdateService, result, err)
}

func (h *RelayHandler) parseService(c *gin.Context, req *serviceRequest) (common.Address, *service.ServiceSpec, bool) {
	from, ok := parseAddress(req.From)
	if !ok {
		BadRequest(c, "invalid from address")
		return common.Address{}, nil, false
	}
	price, ok := parseUint(req.Price)
	if !ok {
		BadRequest(c, "invalid price")
		return common.Address{}, nil, false
	}
	totalSupply := new(big.Int)
	if req.TotalSupply != "" {
		if totalSupply, ok = parseUint(req.TotalSupply); !ok {
			BadRequest(c, "invalid total supply")
			return common.Address{}, nil, false
		}
	}
	return from, &service.ServiceSpec{
		Price:       price,
		TotalSupply: totalSupply,
		Audience:    model.Audience(req.Audience),
	}, true
}

// ApproveAllowance 授权市场合约扣款
// POST /api/v1/relay/allowance
func (h *RelayHandler) ApproveAllowance(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		BadRequest(c, "invalid from address")
		return
	}
	amount, ok := parseUint(req.Amount)
	if !ok {
		BadRequest(c, "invalid amount")
		return
	}

	result, err := h.relay.ApproveAllowance(c.Request.Context(), from, amount)
	h.respond(c, model.TxMethodApprove, result, err)
}

// GrantProviderRole 授予服务提供者角色
// POST /api/v1/relay/roles/provider
func (h *RelayHandler) GrantProviderRole(c *gin.Context) {
	var req grantRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	admin, ok := parseAddress(req.Admin)
	if !ok {
		BadRequest(c, "invalid admin address")
		return
	}
	account, ok := parseAddress(req.Account)
	if !ok {
		BadRequest(c, "invalid account address")
		return
	}

	result, err := h.relay.GrantRoleFor(c.Request.Context(), admin, account)
	h.respond(c, model.TxMethodGrantRole, result, err)
}

// RedeemBonus 兑换奖励
// POST /api/v1/relay/bonus/redeem
func (h *RelayHandler) RedeemBonus(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		BadRequest(c, "invalid from address")
		return
	}
	amount, ok := parseUint(req.Amount)
	if !ok {
		BadRequest(c, "invalid amount")
		return
	}

	result, err := h.relay.RedeemBonus(c.Request.Context(), from, amount)
	h.respond(c, model.TxMethodRedeemBonus, result, err)
}

func (h *RelayHandler) respond(c *gin.Context, method model.TxMethod, result *service.RelayResult, err error) {
	if err == nil {
		Success(c, result)
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidAddress),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidAudience),
		errors.Is(err, service.ErrUnknownMethod):
		BadRequest(c, err.Error())
	case errors.Is(err, crypto.ErrKeyNotFound):
		c.JSON(http.StatusUnprocessableEntity, &Response{Code: CodeKeyNotFound, Message: "no signing key for address"})
	case errors.Is(err, service.ErrRelaySubmit):
		logger.Warn("relay submission rejected",
			zap.String("method", string(method)),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, &Response{Code: CodeRelayFailed, Message: err.Error()})
	default:
		logger.Error("relay call failed",
			zap.String("method", string(method)),
			zap.Error(err))
		InternalError(c)
	}
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	return addr, addr != (common.Address{})
}

// parseUint 解析十进制非负整数
func parseUint(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
