package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	"gorm.io/gorm"
)

// Charge describes one analysed document to bill.
type Charge struct {
	CompanyID  snowflake.ID
	UserID     snowflake.ID
	DocumentID snowflake.ID
	// Description overrides the default ledger description.
	Description string
}

type ChargeResult struct {
	Owner         ledgerdomain.WalletOwner
	Amount        int64
	Balance       int64
	TransactionID snowflake.ID
}

type Eligibility struct {
	Owner     ledgerdomain.WalletOwner `json:"wallet"`
	UnitCost  int64                    `json:"unit_cost"`
	Required  int64                    `json:"required"`
	Available int64                    `json:"available"`
}

// Service decides which wallet pays for an analysis and how much.
type Service interface {
	// ResolveBillingTarget returns the user wallet for collaborators and the
	// company wallet for every other role.
	ResolveBillingTarget(ctx context.Context, companyID, userID snowflake.ID) (ledgerdomain.WalletOwner, error)
	// ResolveUnitCost returns the active plan's analysis cost, or the
	// configured fallback when the company has no active subscription.
	ResolveUnitCost(ctx context.Context, companyID snowflake.ID) (int64, error)
	ChargeDocumentTx(ctx context.Context, tx *gorm.DB, charge Charge) (ChargeResult, error)
	CheckEligibility(ctx context.Context, companyID, userID snowflake.ID, count int) (Eligibility, error)
}

var (
	ErrInvalidCompany = errors.New("invalid_company")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrInvalidCount   = errors.New("invalid_document_count")
	ErrMemberNotFound = errors.New("member_not_found")
)
