package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/document/report"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	"gorm.io/gorm"
)

type DocumentCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	CompanyID  snowflake.ID
	Status     DocumentStatus
	UploadedBy snowflake.ID
	Cursor     *DocumentCursor
	Limit      int
}

// BillingStamp records the charge taken for a document.
type BillingStamp struct {
	Owner  ledgerdomain.WalletOwner
	Amount int64
}

// OutcomeUpdate applies a completion report to a document still in From.
type OutcomeUpdate struct {
	ID        snowflake.ID
	From      DocumentStatus
	To        DocumentStatus
	Reason    *string
	Fiscal    report.Fiscal
	RawReport []byte
	Billing   *BillingStamp
	Now       time.Time
}

// ResolveUpdate applies a manual decision to a document still in From.
type ResolveUpdate struct {
	ID                snowflake.ID
	From              DocumentStatus
	To                DocumentStatus
	ResponsibleUserID snowflake.ID
	Notes             *string
	Billing           *BillingStamp
	Now               time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, doc *Document) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Document, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Document, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Document, error)

	ApplyOutcome(ctx context.Context, db *gorm.DB, update OutcomeUpdate) (bool, error)
	ApplyResolution(ctx context.Context, db *gorm.DB, update ResolveUpdate) (bool, error)
	// Archive marks the given company documents as duplicates of duplicateOf and
	// returns the ids that changed.
	Archive(ctx context.Context, db *gorm.DB, companyID snowflake.ID, ids []snowflake.ID, duplicateOf snowflake.ID, now time.Time) ([]snowflake.ID, error)
	MarkDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error

	// ListStuck returns PROCESSING documents created at or before cutoff that were never flagged.
	ListStuck(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Document, error)
	FlagStuck(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	// ListFlaggedBefore returns PROCESSING documents flagged at or before cutoff.
	ListFlaggedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Document, error)
}
