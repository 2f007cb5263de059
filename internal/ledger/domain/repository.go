package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type TransactionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Owner  WalletOwner
	Kind   TransactionKind
	Cursor *TransactionCursor
	Limit  int
}

type Repository interface {
	InsertWallet(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	FindWallet(ctx context.Context, db *gorm.DB, owner WalletOwner) (*Wallet, error)
	FindWalletForUpdate(ctx context.Context, db *gorm.DB, owner WalletOwner) (*Wallet, error)

	// DecrementIfSufficient subtracts amount only when the balance covers it.
	DecrementIfSufficient(ctx context.Context, db *gorm.DB, owner WalletOwner, amount int64, now time.Time) (bool, error)
	Increment(ctx context.Context, db *gorm.DB, owner WalletOwner, amount int64, now time.Time) (bool, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, entry *LedgerTransaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*LedgerTransaction, error)
}
