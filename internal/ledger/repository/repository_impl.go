package repository

import (
	"context"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/fiscaldoc/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

// InsertWallet is a no-op when the owner already has a wallet. gorm renders
// the conflict clause per dialect.
func (r *repo) InsertWallet(ctx context.Context, db *gorm.DB, wallet *ledgerdomain.Wallet) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_type"}, {Name: "owner_id"}},
		DoNothing: true,
	}).Create(wallet).Error
}

func (r *repo) FindWallet(ctx context.Context, db *gorm.DB, owner ledgerdomain.WalletOwner) (*ledgerdomain.Wallet, error) {
	return r.findWallet(ctx, db, owner, "")
}

func (r *repo) FindWalletForUpdate(ctx context.Context, db *gorm.DB, owner ledgerdomain.WalletOwner) (*ledgerdomain.Wallet, error) {
	return r.findWallet(ctx, db, owner, pkgdb.ForUpdate(db))
}

func (r *repo) findWallet(ctx context.Context, db *gorm.DB, owner ledgerdomain.WalletOwner, lockClause string) (*ledgerdomain.Wallet, error) {
	var wallet ledgerdomain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_type, owner_id, balance, created_at, updated_at
		FROM wallets
		WHERE owner_type = ? AND owner_id = ?
		LIMIT 1`+lockClause,
		owner.Type,
		owner.ID,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *repo) DecrementIfSufficient(ctx context.Context, db *gorm.DB, owner ledgerdomain.WalletOwner, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets
		SET balance = balance - ?, updated_at = ?
		WHERE owner_type = ? AND owner_id = ? AND balance >= ?`,
		amount,
		now,
		owner.Type,
		owner.ID,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, owner ledgerdomain.WalletOwner, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets
		SET balance = balance + ?, updated_at = ?
		WHERE owner_type = ? AND owner_id = ?`,
		amount,
		now,
		owner.Type,
		owner.ID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, entry *ledgerdomain.LedgerTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_transactions (
			id, wallet_id, owner_type, owner_id, kind, amount, balance_after,
			description, reference_type, reference_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.WalletID,
		entry.OwnerType,
		entry.OwnerID,
		entry.Kind,
		entry.Amount,
		entry.BalanceAfter,
		entry.Description,
		entry.ReferenceType,
		entry.ReferenceID,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, filter ledgerdomain.ListFilter) ([]*ledgerdomain.LedgerTransaction, error) {
	var (
		clauses = []string{"owner_type = ?", "owner_id = ?"}
		args    = []any{filter.Owner.Type, filter.Owner.ID}
	)
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Cursor != nil {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit)

	var items []*ledgerdomain.LedgerTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, wallet_id, owner_type, owner_id, kind, amount, balance_after,
			description, reference_type, reference_id, created_at
		FROM ledger_transactions
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
