// Package domain contains persistence models for company subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusSuspended SubscriptionStatus = "SUSPENDED"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	// SubscriptionStatusProvisioningFailed marks a subscription whose charge was
	// refunded because its workflow could not be provisioned.
	SubscriptionStatusProvisioningFailed SubscriptionStatus = "PROVISIONING_FAILED"
)

// Subscription is a company's instance of a plan. Rows are never deleted.
type Subscription struct {
	ID               snowflake.ID       `gorm:"primaryKey" json:"id"`
	CompanyID        snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_subscriptions_company_active,where:status = 'ACTIVE'" json:"company_id"`
	PlanID           snowflake.ID       `gorm:"not null;index" json:"plan_id"`
	PlanSlug         string             `gorm:"type:text;not null" json:"plan_slug"`
	Status           SubscriptionStatus `gorm:"type:text;not null;index" json:"status"`
	MonthlyCost      int64              `gorm:"not null" json:"monthly_cost"`
	BonusCredited    int64              `gorm:"not null;default:0" json:"bonus_credited"`
	ActivatedBy      *snowflake.ID      `json:"activated_by,omitempty"`
	StartedAt        time.Time          `gorm:"not null" json:"started_at"`
	ExpiresAt        time.Time          `gorm:"not null;index" json:"expires_at"`
	WorkflowID       *string            `gorm:"type:text" json:"workflow_id,omitempty"`
	WebhookURL       *string            `gorm:"type:text" json:"webhook_url,omitempty"`
	FailureReason    *string            `gorm:"type:text" json:"failure_reason,omitempty"`
	RenewedAt        *time.Time         `json:"renewed_at,omitempty"`
	SuspendedAt      *time.Time         `json:"suspended_at,omitempty"`
	CancelledAt      *time.Time         `json:"cancelled_at,omitempty"`
	// RenewalCheckedAt is the last renewal sweep that left the row SUSPENDED.
	RenewalCheckedAt *time.Time         `json:"renewal_checked_at,omitempty"`
	CreatedAt        time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) Open() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusSuspended
}
