package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
	"gorm.io/gorm"
)

type DebitRequest struct {
	Owner  WalletOwner
	Amount int64
	// Kind defaults to DEBIT. TRANSFER_OUT is used by transfers and sweeps.
	Kind          TransactionKind
	Description   string
	ReferenceType string
	ReferenceID   string
}

type CreditRequest struct {
	Owner         WalletOwner
	Amount        int64
	Kind          TransactionKind
	Description   string
	ReferenceType string
	ReferenceID   string
}

// Result describes a committed wallet mutation.
type Result struct {
	TransactionID snowflake.ID `json:"transaction_id"`
	Balance       int64        `json:"balance"`
}

type TransferRequest struct {
	From          WalletOwner
	To            WalletOwner
	Amount        int64
	Description   string
	ReferenceType string
	ReferenceID   string
}

type TransferResult struct {
	From Result `json:"from"`
	To   Result `json:"to"`
}

type ListTransactionsRequest struct {
	pagination.Pagination
	Owner WalletOwner
	Kind  TransactionKind
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []LedgerTransaction `json:"transactions"`
}

// LockedFunc runs inside a transaction that holds the wallet row lock.
type LockedFunc func(tx *gorm.DB, wallet *Wallet) error

// Service is the only component allowed to mutate wallet balances.
type Service interface {
	OpenWalletTx(ctx context.Context, tx *gorm.DB, owner WalletOwner) (*Wallet, error)

	Debit(ctx context.Context, req DebitRequest) (Result, error)
	DebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (Result, error)
	Credit(ctx context.Context, req CreditRequest) (Result, error)
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (Result, error)

	// WithLock holds an exclusive lock on the owner's wallet for the duration
	// of fn. Any error returned by fn rolls back every change made through tx.
	WithLock(ctx context.Context, owner WalletOwner, fn LockedFunc) error
	LockTx(ctx context.Context, tx *gorm.DB, owner WalletOwner) (*Wallet, error)

	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	// SweepTx moves the entire balance of from into to and returns the amount moved.
	SweepTx(ctx context.Context, tx *gorm.DB, from, to WalletOwner, description, referenceType, referenceID string) (int64, error)

	Balance(ctx context.Context, owner WalletOwner) (int64, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

var (
	ErrInvalidOwner      = errors.New("invalid_wallet_owner")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidKind       = errors.New("invalid_transaction_kind")
	ErrWalletNotFound    = errors.New("wallet_not_found")
	ErrSameWallet        = errors.New("same_wallet")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrInsufficientFunds = errors.New("insufficient_funds")
)

// InsufficientFundsError carries the amounts a caller needs to report back.
type InsufficientFundsError struct {
	Owner     WalletOwner
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d credits, available %d", e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// AsInsufficientFunds extracts the typed error, if err carries one.
func AsInsufficientFunds(err error) (*InsufficientFundsError, bool) {
	var target *InsufficientFundsError
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}
