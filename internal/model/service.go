package model

import (
	"github.com/shopspring/decimal"
)

// Audience 服务面向的用户群
type Audience string

const (
	AudienceStudent Audience = "student"
	AudienceAlumni  Audience = "alumni"
)

// IsValid 是否为已知用户群
func (a Audience) IsValid() bool {
	return a == AudienceStudent || a == AudienceAlumni
}

// DealPermissions 交易的取消/确认权限
type DealPermissions struct {
	BuyerCanCancel      bool `json:"buyer_can_cancel"`
	ProviderCanCancel   bool `json:"provider_can_cancel"`
	BuyerCanValidate    bool `json:"buyer_can_validate"`
	ProviderCanValidate bool `json:"provider_can_validate"`
}

// PermissionsFor 按用户群计算默认权限
//
// 面向学生的服务由学生买家确认完成, 面向校友的服务双方都可确认, 但只有提供方可取消。
func PermissionsFor(a Audience) DealPermissions {
	if a == AudienceAlumni {
		return DealPermissions{
			BuyerCanCancel:      false,
			ProviderCanCancel:   true,
			BuyerCanValidate:    true,
			ProviderCanValidate: true,
		}
	}
	return DealPermissions{
		BuyerCanCancel:      true,
		ProviderCanCancel:   true,
		BuyerCanValidate:    true,
		ProviderCanValidate: false,
	}
}

// ServiceStatus 服务上链状态
type ServiceStatus string

const (
	ServiceStatusUnregistered        ServiceStatus = "unregistered"
	ServiceStatusPendingRegistration ServiceStatus = "pending_registration"
	ServiceStatusRegistered          ServiceStatus = "registered"
)

// ServiceRecord 市场服务
//
// TxHash 只由注册器写入, BlockchainID 只由 ServiceCreated 同步写入。
type ServiceRecord struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ServiceID    string          `gorm:"column:service_id;type:varchar(64);uniqueIndex;not null" json:"service_id"`
	ProviderID   string          `gorm:"column:provider_id;type:varchar(64);index;not null" json:"provider_id"`
	Title        string          `gorm:"column:title;type:varchar(255)" json:"title"`
	Price        decimal.Decimal `gorm:"column:price;type:numeric(78,0);not null" json:"price"`
	TotalSupply  decimal.Decimal `gorm:"column:total_supply;type:numeric(78,0);not null;default:0" json:"total_supply"`
	Audience     Audience        `gorm:"column:audience;type:varchar(16);not null" json:"audience"`
	TxHash       *string         `gorm:"column:tx_hash;type:varchar(66);index" json:"tx_hash,omitempty"`
	BlockchainID *string         `gorm:"column:blockchain_id;type:varchar(78);index" json:"blockchain_id,omitempty"`
	CreatedAt    int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt    int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (ServiceRecord) TableName() string {
	return "chain_services"
}

// Status 上链状态
func (s *ServiceRecord) Status() ServiceStatus {
	switch {
	case s.BlockchainID != nil && *s.BlockchainID != "":
		return ServiceStatusRegistered
	case s.TxHash != nil && *s.TxHash != "":
		return ServiceStatusPendingRegistration
	default:
		return ServiceStatusUnregistered
	}
}
