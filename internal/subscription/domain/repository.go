package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type SubscriptionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	CompanyID snowflake.ID
	Status    SubscriptionStatus
	Cursor    *SubscriptionCursor
	Limit     int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindOpenByCompany returns the ACTIVE or SUSPENDED subscription, preferring ACTIVE.
	FindOpenByCompany(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*Subscription, error)
	FindActiveByCompany(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*Subscription, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Subscription, error)

	// Transition moves a subscription between statuses only while it is still in one of from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []SubscriptionStatus, to SubscriptionStatus, now time.Time, reason *string) (bool, error)
	Renew(ctx context.Context, db *gorm.DB, id snowflake.ID, expiresAt, now time.Time) (bool, error)
	// MarkRenewalChecked keeps an unfunded SUSPENDED row out of ListDue until a later sweep.
	MarkRenewalChecked(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	AttachWorkflow(ctx context.Context, db *gorm.DB, id snowflake.ID, workflowID, webhookURL string, now time.Time) error
}
