package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OwnerType identifies who holds a wallet.
type OwnerType string

const (
	OwnerTypeUser    OwnerType = "USER"
	OwnerTypeCompany OwnerType = "COMPANY"
	// OwnerTypeOperator is the platform wallet that absorbs balances of deleted companies.
	OwnerTypeOperator OwnerType = "OPERATOR"
)

// TransactionKind classifies a wallet mutation.
type TransactionKind string

const (
	KindDebit       TransactionKind = "DEBIT"
	KindCredit      TransactionKind = "CREDIT"
	KindBonus       TransactionKind = "BONUS"
	KindTransferIn  TransactionKind = "TRANSFER_IN"
	KindTransferOut TransactionKind = "TRANSFER_OUT"
	KindRefund      TransactionKind = "REFUND"
)

// Increments reports whether the kind adds credits to a wallet.
func (k TransactionKind) Increments() bool {
	switch k {
	case KindCredit, KindBonus, KindTransferIn, KindRefund:
		return true
	default:
		return false
	}
}

// Decrements reports whether the kind removes credits from a wallet.
func (k TransactionKind) Decrements() bool {
	return k == KindDebit || k == KindTransferOut
}

// Reference types used to correlate ledger rows with the work that caused them.
const (
	ReferenceDocument     = "document"
	ReferenceSubscription = "subscription"
	ReferenceCompany      = "company"
	ReferenceTopUp        = "top_up"
	ReferenceTransfer     = "transfer"
)

// WalletOwner addresses a wallet by its owner.
type WalletOwner struct {
	Type OwnerType    `json:"owner_type"`
	ID   snowflake.ID `json:"owner_id"`
}

func UserWallet(userID snowflake.ID) WalletOwner {
	return WalletOwner{Type: OwnerTypeUser, ID: userID}
}

func CompanyWallet(companyID snowflake.ID) WalletOwner {
	return WalletOwner{Type: OwnerTypeCompany, ID: companyID}
}

func OperatorWallet(operatorID snowflake.ID) WalletOwner {
	return WalletOwner{Type: OwnerTypeOperator, ID: operatorID}
}

func (o WalletOwner) Validate() error {
	if o.ID == 0 {
		return ErrInvalidOwner
	}
	switch o.Type {
	case OwnerTypeUser, OwnerTypeCompany, OwnerTypeOperator:
		return nil
	default:
		return ErrInvalidOwner
	}
}

func (o WalletOwner) String() string {
	return fmt.Sprintf("%s:%s", o.Type, o.ID.String())
}

// Less orders owners so multi-wallet locks are always taken in the same order.
func (o WalletOwner) Less(other WalletOwner) bool {
	if o.Type != other.Type {
		return o.Type < other.Type
	}
	return o.ID < other.ID
}

// Wallet holds a credit balance. The balance is only changed by the ledger service.
type Wallet struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OwnerType OwnerType    `gorm:"type:text;not null;uniqueIndex:ux_wallets_owner,priority:1"`
	OwnerID   snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_owner,priority:2"`
	Balance   int64        `gorm:"not null;default:0;check:chk_wallets_balance_non_negative,balance >= 0"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

func (w Wallet) Owner() WalletOwner {
	return WalletOwner{Type: w.OwnerType, ID: w.OwnerID}
}

// LedgerTransaction is an append-only record of one wallet mutation.
type LedgerTransaction struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	WalletID      snowflake.ID    `gorm:"not null;index" json:"wallet_id"`
	OwnerType     OwnerType       `gorm:"type:text;not null;index:ix_ledger_transactions_owner,priority:1" json:"owner_type"`
	OwnerID       snowflake.ID    `gorm:"not null;index:ix_ledger_transactions_owner,priority:2" json:"owner_id"`
	Kind          TransactionKind `gorm:"type:text;not null" json:"kind"`
	Amount        int64           `gorm:"not null" json:"amount"`
	BalanceAfter  int64           `gorm:"not null" json:"balance_after"`
	Description   string          `gorm:"type:text" json:"description"`
	ReferenceType string          `gorm:"type:text;index:ix_ledger_transactions_reference,priority:1" json:"reference_type,omitempty"`
	ReferenceID   string          `gorm:"type:text;index:ix_ledger_transactions_reference,priority:2" json:"reference_id,omitempty"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerTransaction) TableName() string { return "ledger_transactions" }
