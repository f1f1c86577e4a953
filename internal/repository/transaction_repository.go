package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skillmarket/market-chain/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionRepository 链上活动账本仓储接口
type TransactionRepository interface {
	// Upsert 按 hash 合并写入, 已有的非空字段保持不变
	Upsert(ctx context.Context, tx *model.ChainTransaction) error
	// UpsertBatch 批量合并写入, 返回此前不存在的 hash 数量
	UpsertBatch(ctx context.Context, txs []*model.ChainTransaction) (int, error)

	GetByHash(ctx context.Context, hash string) (*model.ChainTransaction, error)
	ListByAddress(ctx context.Context, address string, filter *model.TransactionFilter, page *Pagination) ([]*model.ChainTransaction, error)
	// MaxBlock 满足条件的最大区块号, 无记录时 ok 为 false
	MaxBlock(ctx context.Context, filter *model.TransactionFilter) (block int64, ok bool, err error)
	// ListMissingTimestamp 缺少时间戳的记录, 按 id 升序从 afterID 之后取
	ListMissingTimestamp(ctx context.Context, afterID int64, limit int) ([]*model.ChainTransaction, error)
	// TotalMinted 从零地址转出的代币总量
	TotalMinted(ctx context.Context) (decimal.Decimal, error)
}

// transactionRepository 账本仓储实现
type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建账本仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		Repository: NewRepository(db),
	}
}

// mergeOnConflict hash 冲突时逐列合并
//
// 一般列取 COALESCE(旧值, 新值)。同一交易既有代币转账又有市场事件时 (例如 createDeal 扣款),
// 市场事件优先: event 从 TransferObserved 升级为市场事件, 转账子字段清空,
// 由转账写入的 target_id 换成市场事件的值。两个同步器的先后顺序不影响结果。
func mergeOnConflict() clause.OnConflict {
	table := model.ChainTransaction{}.TableName()
	old := func(col string) string { return fmt.Sprintf(`"%s"."%s"`, table, col) }
	incoming := func(col string) string { return fmt.Sprintf(`excluded."%s"`, col) }
	transfer := string(model.ChainEventTransfer)

	// 合并后是否为市场事件记录
	marketplace := fmt.Sprintf(`COALESCE(NULLIF(%s, '%s'), NULLIF(%s, '%s')) IS NOT NULL`,
		old("event"), transfer, incoming("event"), transfer)
	// 已有转账记录被市场事件升级, 且不是 relay 写入的记录
	upgrade := fmt.Sprintf(`%s = '%s' AND NULLIF(%s, '%s') IS NOT NULL AND %s IS NULL`,
		old("event"), transfer, incoming("event"), transfer, old("method"))

	coalesce := func(col string) string {
		return fmt.Sprintf(`COALESCE(%s, %s)`, old(col), incoming(col))
	}

	assignments := make([]clause.Assignment, 0, len(model.UpsertColumns)+1)
	for _, col := range model.UpsertColumns {
		expr := coalesce(col)
		switch col {
		case "event":
			expr = fmt.Sprintf(`CASE WHEN %s IS NULL OR %s = '%s' THEN COALESCE(%s, %s) ELSE %s END`,
				old(col), old(col), transfer, incoming(col), old(col), old(col))
		case "target_id":
			expr = fmt.Sprintf(`CASE WHEN %s THEN COALESCE(%s, %s) ELSE %s END`,
				upgrade, incoming(col), old(col), coalesce(col))
		case "transfer_from", "transfer_to", "transfer_amount":
			expr = fmt.Sprintf(`CASE WHEN %s THEN NULL ELSE %s END`, marketplace, coalesce(col))
		}
		assignments = append(assignments, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr(expr),
		})
	}
	assignments = append(assignments, clause.Assignment{
		Column: clause.Column{Name: "updated_at"},
		Value:  gorm.Expr("excluded.updated_at"),
	})

	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoUpdates: clause.Set(assignments),
	}
}

func stamp(tx *model.ChainTransaction, now int64) {
	tx.Hash = model.NormalizeHex(tx.Hash)
	tx.UpdatedAt = now
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
}

func (r *transactionRepository) Upsert(ctx context.Context, tx *model.ChainTransaction) error {
	stamp(tx, time.Now().UnixMilli())
	return r.DB(ctx).Clauses(mergeOnConflict()).Create(tx).Error
}

func (r *transactionRepository) UpsertBatch(ctx context.Context, txs []*model.ChainTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		stamp(tx, now)
		hashes = append(hashes, tx.Hash)
	}

	var existing []string
	if err := r.DB(ctx).Model(&model.ChainTransaction{}).
		Where("hash IN ?", hashes).
		Pluck("hash", &existing).Error; err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(existing))
	for _, h := range existing {
		seen[h] = struct{}{}
	}

	created := 0
	for _, tx := range txs {
		// 同一批次内的重复 hash 也要逐条合并, 不能用一条多值 INSERT
		if err := r.DB(ctx).Clauses(mergeOnConflict()).Create(tx).Error; err != nil {
			return created, err
		}
		if _, ok := seen[tx.Hash]; !ok {
			seen[tx.Hash] = struct{}{}
			created++
		}
	}
	return created, nil
}

func (r *transactionRepository) GetByHash(ctx context.Context, hash string) (*model.ChainTransaction, error) {
	var tx model.ChainTransaction
	err := r.DB(ctx).Where("hash = ?", model.NormalizeHex(hash)).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func applyTransactionFilter(db *gorm.DB, filter *model.TransactionFilter) *gorm.DB {
	if filter == nil {
		return db
	}
	if filter.Event != nil {
		db = db.Where("event = ?", *filter.Event)
	}
	if filter.Method != nil {
		db = db.Where("method = ?", *filter.Method)
	}
	if filter.Address != "" {
		addr := model.NormalizeHex(filter.Address)
		db = db.Where("(from_address = ? OR to_address = ? OR transfer_from = ? OR transfer_to = ? OR service_buyer = ? OR service_provider = ?)",
			addr, addr, addr, addr, addr, addr)
	}
	return db
}

func (r *transactionRepository) ListByAddress(ctx context.Context, address string, filter *model.TransactionFilter, page *Pagination) ([]*model.ChainTransaction, error) {
	f := model.TransactionFilter{Address: address}
	if filter != nil {
		f.Event = filter.Event
		f.Method = filter.Method
	}

	query := applyTransactionFilter(r.DB(ctx).Model(&model.ChainTransaction{}), &f)

	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}

	var txs []*model.ChainTransaction
	err := query.Order("id DESC").Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) MaxBlock(ctx context.Context, filter *model.TransactionFilter) (int64, bool, error) {
	var maxBlock sql.NullInt64
	query := applyTransactionFilter(r.DB(ctx).Model(&model.ChainTransaction{}), filter)
	if err := query.Select("MAX(block)").Row().Scan(&maxBlock); err != nil {
		return 0, false, err
	}
	return maxBlock.Int64, maxBlock.Valid, nil
}

func (r *transactionRepository) ListMissingTimestamp(ctx context.Context, afterID int64, limit int) ([]*model.ChainTransaction, error) {
	var txs []*model.ChainTransaction
	err := r.DB(ctx).
		Where("timestamp IS NULL AND id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) TotalMinted(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.DB(ctx).Model(&model.ChainTransaction{}).
		Select("SUM(transfer_amount)").
		Where("transfer_from = ?", model.ZeroAddress).
		Row().Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
