package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ZeroAddress 铸币 (airdrop) 转账的发送方
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// TxMethod 由 relay 发起的调用类型
type TxMethod string

const (
	TxMethodBookService            TxMethod = "BookService"
	TxMethodCancelDealAsBuyer      TxMethod = "CancelDealAsBuyer"
	TxMethodCancelDealAsProvider   TxMethod = "CancelDealAsProvider"
	TxMethodValidateDealAsBuyer    TxMethod = "ValidateDealAsBuyer"
	TxMethodValidateDealAsProvider TxMethod = "ValidateDealAsProvider"
	TxMethodCreateService          TxMethod = "CreateService"
	TxMethodUpdateService          TxMethod = "UpdateService"
	TxMethodApprove                TxMethod = "Approve"
	TxMethodGrantRole              TxMethod = "GrantRole"
	TxMethodRedeemBonus            TxMethod = "RedeemBonus"
)

// AllTxMethods 全部 relay 调用类型
var AllTxMethods = []TxMethod{
	TxMethodBookService,
	TxMethodCancelDealAsBuyer,
	TxMethodCancelDealAsProvider,
	TxMethodValidateDealAsBuyer,
	TxMethodValidateDealAsProvider,
	TxMethodCreateService,
	TxMethodUpdateService,
	TxMethodApprove,
	TxMethodGrantRole,
	TxMethodRedeemBonus,
}

// IsValid 是否为已知调用类型
func (m TxMethod) IsValid() bool {
	for _, v := range AllTxMethods {
		if v == m {
			return true
		}
	}
	return false
}

// ChainEventKind 链上事件类型
type ChainEventKind string

const (
	ChainEventTransfer       ChainEventKind = "TransferObserved"
	ChainEventDealCreated    ChainEventKind = "DealCreated"
	ChainEventDealValidated  ChainEventKind = "DealValidated"
	ChainEventDealCancelled  ChainEventKind = "DealCancelled"
	ChainEventServiceCreated ChainEventKind = "ServiceCreated"
)

// ChainTransaction 链上活动记录
//
// 以 hash 为自然键做 upsert。同一个 hash 会被多次写入 (先 pending, 再补区块/时间戳,
// 最后补事件字段), 已有的非空字段不会被覆盖。
type ChainTransaction struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Hash      string          `gorm:"column:hash;type:varchar(66);uniqueIndex;not null" json:"hash"`
	Block     *int64          `gorm:"column:block;type:bigint;index" json:"block,omitempty"`
	Timestamp *int64          `gorm:"column:timestamp;type:bigint" json:"timestamp,omitempty"` // 秒
	From      *string         `gorm:"column:from_address;type:varchar(42);index" json:"from,omitempty"`
	To        *string         `gorm:"column:to_address;type:varchar(42);index" json:"to,omitempty"`
	Method    *TxMethod       `gorm:"column:method;type:varchar(32)" json:"method,omitempty"`
	Event     *ChainEventKind `gorm:"column:event;type:varchar(32);index" json:"event,omitempty"`
	TargetID  *string         `gorm:"column:target_id;type:varchar(128)" json:"target_id,omitempty"`

	TransferFrom   *string          `gorm:"column:transfer_from;type:varchar(42);index" json:"transfer_from,omitempty"`
	TransferTo     *string          `gorm:"column:transfer_to;type:varchar(42);index" json:"transfer_to,omitempty"`
	TransferAmount *decimal.Decimal `gorm:"column:transfer_amount;type:numeric(78,0)" json:"transfer_amount,omitempty"`

	DealID          *string `gorm:"column:deal_id;type:varchar(78)" json:"deal_id,omitempty"`
	ServiceID       *string `gorm:"column:service_id;type:varchar(78)" json:"service_id,omitempty"`
	ServiceBuyer    *string `gorm:"column:service_buyer;type:varchar(42);index" json:"service_buyer,omitempty"`
	ServiceProvider *string `gorm:"column:service_provider;type:varchar(42);index" json:"service_provider,omitempty"`

	CreatedAt int64 `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (ChainTransaction) TableName() string {
	return "chain_transactions"
}

// UpsertColumns 参与合并的可空列
var UpsertColumns = []string{
	"block", "timestamp", "from_address", "to_address", "method", "event", "target_id",
	"transfer_from", "transfer_to", "transfer_amount",
	"deal_id", "service_id", "service_buyer", "service_provider",
}

// IsMint 是否为铸币转账 (发送方为零地址)
func (t *ChainTransaction) IsMint() bool {
	return t.TransferFrom != nil && *t.TransferFrom == ZeroAddress
}

// TransactionFilter 账本查询条件
type TransactionFilter struct {
	Event  *ChainEventKind
	Method *TxMethod
	// Address 匹配 from/to/transfer/deal 任一地址列
	Address string
}

// Ptr 返回值的指针
func Ptr[T any](v T) *T {
	return &v
}

// NormalizeHex 地址和哈希统一存储为小写十六进制
func NormalizeHex(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
