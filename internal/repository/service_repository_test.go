package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillmarket/market-chain/internal/model"
)

func createTestService(t *testing.T, repo ServiceRepository, serviceID string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &model.ServiceRecord{
		ServiceID:  serviceID,
		ProviderID: "u-2",
		Price:      decimal.NewFromInt(30),
		Audience:   model.AudienceStudent,
	}))
}

func TestServiceRepository_Lifecycle(t *testing.T) {
	repo := NewServiceRepository(setupTestDB(t))
	ctx := context.Background()
	createTestService(t, repo, "svc-1")
	createTestService(t, repo, "svc-2")

	unregistered, err := repo.ListUnregistered(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unregistered, 2)

	require.NoError(t, repo.SetTxHash(ctx, "svc-1", "0xABC"))

	unregistered, err = repo.ListUnregistered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unregistered, 1)
	assert.Equal(t, "svc-2", unregistered[0].ServiceID)

	pending, err := repo.ListPendingRegistration(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xabc", *pending[0].TxHash)
	assert.Equal(t, model.ServiceStatusPendingRegistration, pending[0].Status())

	require.NoError(t, repo.SetBlockchainID(ctx, "svc-1", "7"))

	pending, err = repo.ListPendingRegistration(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	svc, err := repo.GetByServiceID(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusRegistered, svc.Status())
}

func TestServiceRepository_SetOnce(t *testing.T) {
	repo := NewServiceRepository(setupTestDB(t))
	ctx := context.Background()
	createTestService(t, repo, "svc-1")

	require.NoError(t, repo.SetTxHash(ctx, "svc-1", "0x01"))
	assert.ErrorIs(t, repo.SetTxHash(ctx, "svc-1", "0x02"), ErrServiceAlreadyUpdated)
	assert.ErrorIs(t, repo.SetTxHash(ctx, "svc-missing", "0x02"), ErrServiceNotFound)

	svc, err := repo.GetByServiceID(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, "0x01", *svc.TxHash)
}
