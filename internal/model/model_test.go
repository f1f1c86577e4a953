package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTableNames(t *testing.T) {
	assert.Equal(t, "chain_transactions", ChainTransaction{}.TableName())
	assert.Equal(t, "chain_wallet_users", WalletUser{}.TableName())
	assert.Equal(t, "chain_services", ServiceRecord{}.TableName())
	assert.Equal(t, "chain_notifications", Notification{}.TableName())
}

func TestTxMethod_IsValid(t *testing.T) {
	for _, m := range AllTxMethods {
		assert.True(t, m.IsValid(), m)
	}
	assert.False(t, TxMethod("Withdraw").IsValid())
	assert.False(t, TxMethod("").IsValid())
}

func TestChainTransaction_IsMint(t *testing.T) {
	tx := &ChainTransaction{}
	assert.False(t, tx.IsMint())

	tx.TransferFrom = Ptr(ZeroAddress)
	assert.True(t, tx.IsMint())

	tx.TransferFrom = Ptr("0x1111111111111111111111111111111111111111")
	assert.False(t, tx.IsMint())
}

func TestNormalizeHex(t *testing.T) {
	assert.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
		NormalizeHex(" 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266 "))
}

func TestPermissionsFor(t *testing.T) {
	tests := []struct {
		name     string
		audience Audience
		want     DealPermissions
	}{
		{
			name:     "student",
			audience: AudienceStudent,
			want:     DealPermissions{BuyerCanCancel: true, ProviderCanCancel: true, BuyerCanValidate: true, ProviderCanValidate: false},
		},
		{
			name:     "alumni",
			audience: AudienceAlumni,
			want:     DealPermissions{BuyerCanCancel: false, ProviderCanCancel: true, BuyerCanValidate: true, ProviderCanValidate: true},
		},
		{
			name:     "unknown falls back to student",
			audience: Audience("staff"),
			want:     PermissionsFor(AudienceStudent),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PermissionsFor(tt.audience))
		})
	}
}

func TestServiceRecord_Status(t *testing.T) {
	svc := &ServiceRecord{ServiceID: "svc-1", Price: decimal.NewFromInt(30), Audience: AudienceStudent}
	assert.Equal(t, ServiceStatusUnregistered, svc.Status())

	svc.TxHash = Ptr("0xabc")
	assert.Equal(t, ServiceStatusPendingRegistration, svc.Status())

	svc.BlockchainID = Ptr("7")
	assert.Equal(t, ServiceStatusRegistered, svc.Status())
}

func TestNewNotificationMessage(t *testing.T) {
	n := &Notification{
		NotifyID:  "n-1",
		TxHash:    "0xabc",
		Address:   "0x01",
		Kind:      NotificationAirdropReceived,
		Amount:    "100",
		CreatedAt: 1700000000000,
	}
	msg := NewNotificationMessage(n)
	assert.Equal(t, "n-1", msg.NotifyID)
	assert.Equal(t, NotificationAirdropReceived, msg.Kind)
	assert.Equal(t, "100", msg.Amount)
}
