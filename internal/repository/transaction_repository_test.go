package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillmarket/market-chain/internal/model"
)

const (
	testWallet   = "0x1111111111111111111111111111111111111111"
	testProvider = "0x2222222222222222222222222222222222222222"
)

func TestTransactionRepository_UpsertMergesFields(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	// relay 提交后: 只有 method/target
	pending := &model.ChainTransaction{
		Hash:     "0xABC",
		From:     model.Ptr(testWallet),
		Method:   model.Ptr(model.TxMethodBookService),
		TargetID: model.Ptr("svc-1"),
	}
	require.NoError(t, repo.Upsert(ctx, pending))

	// 同步器观察到事件: 补区块和 deal 字段, 不带 method
	observed := &model.ChainTransaction{
		Hash:            "0xabc",
		Block:           model.Ptr(int64(120)),
		Event:           model.Ptr(model.ChainEventDealCreated),
		DealID:          model.Ptr("9"),
		ServiceID:       model.Ptr("7"),
		ServiceBuyer:    model.Ptr(testWallet),
		ServiceProvider: model.Ptr(testProvider),
	}
	require.NoError(t, repo.Upsert(ctx, observed))

	// 较旧的写入不能覆盖已有值
	stale := &model.ChainTransaction{
		Hash:     "0xabc",
		Block:    model.Ptr(int64(1)),
		TargetID: model.Ptr("other"),
	}
	require.NoError(t, repo.Upsert(ctx, stale))

	var count int64
	require.NoError(t, db.Model(&model.ChainTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got, err := repo.GetByHash(ctx, "0xABC")
	require.NoError(t, err)
	assert.Equal(t, int64(120), *got.Block)
	assert.Equal(t, model.TxMethodBookService, *got.Method)
	assert.Equal(t, model.ChainEventDealCreated, *got.Event)
	assert.Equal(t, "svc-1", *got.TargetID)
	assert.Equal(t, testWallet, *got.ServiceBuyer)
	assert.Nil(t, got.TransferAmount)
	assert.Nil(t, got.Timestamp)
}

func TestTransactionRepository_UpsertSameWriteTwice(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	write := func() *model.ChainTransaction {
		return &model.ChainTransaction{
			Hash:           "0xdef",
			Block:          model.Ptr(int64(10)),
			Event:          model.Ptr(model.ChainEventTransfer),
			TransferFrom:   model.Ptr(model.ZeroAddress),
			TransferTo:     model.Ptr(testWallet),
			TransferAmount: model.Ptr(decimal.NewFromInt(100)),
		}
	}

	created, err := repo.UpsertBatch(ctx, []*model.ChainTransaction{write()})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	created, err = repo.UpsertBatch(ctx, []*model.ChainTransaction{write(), write()})
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	var rows []*model.ChainTransaction
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TransferAmount.Equal(decimal.NewFromInt(100)))
}

func TestTransactionRepository_GetByHash_NotFound(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	_, err := repo.GetByHash(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTransactionRepository_MaxBlock(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	filter := &model.TransactionFilter{Event: model.Ptr(model.ChainEventDealCreated)}
	_, ok, err := repo.MaxBlock(ctx, filter)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.UpsertBatch(ctx, []*model.ChainTransaction{
		{Hash: "0x01", Block: model.Ptr(int64(50)), Event: model.Ptr(model.ChainEventDealCreated)},
		{Hash: "0x02", Block: model.Ptr(int64(70)), Event: model.Ptr(model.ChainEventDealCreated)},
		{Hash: "0x03", Block: model.Ptr(int64(90)), Event: model.Ptr(model.ChainEventDealCancelled)},
		{Hash: "0x04", Method: model.Ptr(model.TxMethodBookService)},
	})
	require.NoError(t, err)

	block, ok, err := repo.MaxBlock(ctx, filter)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(70), block)

	block, ok, err = repo.MaxBlock(ctx, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(90), block)
}

func TestTransactionRepository_ListByAddress(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.UpsertBatch(ctx, []*model.ChainTransaction{
		{Hash: "0x01", Event: model.Ptr(model.ChainEventTransfer), TransferFrom: model.Ptr(model.ZeroAddress), TransferTo: model.Ptr(testWallet)},
		{Hash: "0x02", Event: model.Ptr(model.ChainEventDealCreated), ServiceBuyer: model.Ptr(testWallet), ServiceProvider: model.Ptr(testProvider)},
		{Hash: "0x03", Method: model.Ptr(model.TxMethodCreateService), From: model.Ptr(testProvider)},
	})
	require.NoError(t, err)

	page := &Pagination{Page: 1, PageSize: 10}
	txs, err := repo.ListByAddress(ctx, "0x1111111111111111111111111111111111111111", nil, page)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, txs, 2)
	assert.Equal(t, "0x02", txs[0].Hash)

	txs, err = repo.ListByAddress(ctx, testProvider, &model.TransactionFilter{Method: model.Ptr(model.TxMethodCreateService)}, nil)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0x03", txs[0].Hash)
}

func TestTransactionRepository_ListMissingTimestamp(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.UpsertBatch(ctx, []*model.ChainTransaction{
		{Hash: "0x01", Timestamp: model.Ptr(int64(1700000000))},
		{Hash: "0x02"},
		{Hash: "0x03"},
	})
	require.NoError(t, err)

	txs, err := repo.ListMissingTimestamp(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0x02", txs[0].Hash)
}

func TestTransactionRepository_ListMissingTimestampAfterID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	_, err := repo.UpsertBatch(ctx, []*model.ChainTransaction{
		{Hash: "0x01"},
		{Hash: "0x02"},
		{Hash: "0x03"},
	})
	require.NoError(t, err)

	first, err := repo.ListMissingTimestamp(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := repo.ListMissingTimestamp(ctx, first[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "0x03", rest[0].Hash)
}

func TestTransactionRepository_TotalMinted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	total, err := repo.TotalMinted(ctx)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	_, err = repo.UpsertBatch(ctx, []*model.ChainTransaction{
		{Hash: "0x01", TransferFrom: model.Ptr(model.ZeroAddress), TransferTo: model.Ptr(testWallet), TransferAmount: model.Ptr(decimal.NewFromInt(100))},
		{Hash: "0x02", TransferFrom: model.Ptr(model.ZeroAddress), TransferTo: model.Ptr(testProvider), TransferAmount: model.Ptr(decimal.NewFromInt(50))},
		{Hash: "0x03", TransferFrom: model.Ptr(testWallet), TransferTo: model.Ptr(testProvider), TransferAmount: model.Ptr(decimal.NewFromInt(30))},
	})
	require.NoError(t, err)

	total, err = repo.TotalMinted(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(150)), total.String())
}

func TestTransactionRepository_UpsertPostgresStatement(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "chain_transactions"`) +
		`.*` + regexp.QuoteMeta(`ON CONFLICT ("hash") DO UPDATE SET "block"=COALESCE("chain_transactions"."block", excluded."block")`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := repo.Upsert(context.Background(), &model.ChainTransaction{Hash: "0xabc", Block: model.Ptr(int64(1))})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_TotalMintedPostgres(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewTransactionRepository(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT SUM(transfer_amount) FROM "chain_transactions" WHERE transfer_from = $1`)).
		WithArgs(model.ZeroAddress).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("1000000000000000000000"))

	total, err := repo.TotalMinted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", total.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_MarketplaceEventTakesPrecedence(t *testing.T) {
	const hash = "0xdea1"

	transferRow := func() *model.ChainTransaction {
		return &model.ChainTransaction{
			Hash:           hash,
			Block:          model.Ptr(int64(50)),
			Event:          model.Ptr(model.ChainEventTransfer),
			TargetID:       model.Ptr(testProvider),
			TransferFrom:   model.Ptr(testWallet),
			TransferTo:     model.Ptr(testProvider),
			TransferAmount: model.Ptr(decimal.NewFromInt(30)),
		}
	}
	dealRow := func() *model.ChainTransaction {
		return &model.ChainTransaction{
			Hash:            hash,
			Block:           model.Ptr(int64(50)),
			Event:           model.Ptr(model.ChainEventDealCreated),
			TargetID:        model.Ptr("9"),
			DealID:          model.Ptr("9"),
			ServiceID:       model.Ptr("7"),
			ServiceBuyer:    model.Ptr(testWallet),
			ServiceProvider: model.Ptr(testProvider),
		}
	}

	tests := []struct {
		name  string
		order []func() *model.ChainTransaction
	}{
		{name: "transfer first", order: []func() *model.ChainTransaction{transferRow, dealRow}},
		{name: "deal first", order: []func() *model.ChainTransaction{dealRow, transferRow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			repo := NewTransactionRepository(db)
			ctx := context.Background()

			for _, row := range tt.order {
				require.NoError(t, repo.Upsert(ctx, row()))
			}

			got, err := repo.GetByHash(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, model.ChainEventDealCreated, *got.Event)
			assert.Equal(t, "9", *got.TargetID)
			assert.Equal(t, testWallet, *got.ServiceBuyer)
			assert.Nil(t, got.TransferFrom)
			assert.Nil(t, got.TransferTo)
			assert.Nil(t, got.TransferAmount)

			event := model.ChainEventDealCreated
			txs, err := repo.ListByAddress(ctx, testWallet, &model.TransactionFilter{Event: &event}, nil)
			require.NoError(t, err)
			assert.Len(t, txs, 1)
		})
	}
}

func TestTransactionRepository_TransferKeepsRelayTarget(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	// relay 写入的 target 不被市场事件替换
	require.NoError(t, repo.Upsert(ctx, &model.ChainTransaction{
		Hash:     "0xbeef",
		Method:   model.Ptr(model.TxMethodBookService),
		TargetID: model.Ptr("svc-7"),
	}))
	require.NoError(t, repo.Upsert(ctx, &model.ChainTransaction{
		Hash:           "0xbeef",
		Event:          model.Ptr(model.ChainEventTransfer),
		TargetID:       model.Ptr(testProvider),
		TransferFrom:   model.Ptr(testWallet),
		TransferTo:     model.Ptr(testProvider),
		TransferAmount: model.Ptr(decimal.NewFromInt(30)),
	}))
	require.NoError(t, repo.Upsert(ctx, &model.ChainTransaction{
		Hash:         "0xbeef",
		Event:        model.Ptr(model.ChainEventDealCreated),
		TargetID:     model.Ptr("9"),
		DealID:       model.Ptr("9"),
		ServiceBuyer: model.Ptr(testWallet),
	}))

	got, err := repo.GetByHash(ctx, "0xbeef")
	require.NoError(t, err)
	assert.Equal(t, model.TxMethodBookService, *got.Method)
	assert.Equal(t, model.ChainEventDealCreated, *got.Event)
	assert.Equal(t, "svc-7", *got.TargetID)
	assert.Nil(t, got.TransferAmount)
}
