package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
)

type Service interface {
	Activate(ctx context.Context, req ActivateRequest) (*ActivateResponse, error)
	ProcessRenewals(ctx context.Context, now time.Time, batchSize int) (RenewalReport, error)
	Cancel(ctx context.Context, companyID, actingUserID snowflake.ID) (*Subscription, error)
	GetActive(ctx context.Context, companyID snowflake.ID) (*Subscription, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
}

type ActivateRequest struct {
	CompanyID    snowflake.ID
	PlanSlug     string
	ActingUserID snowflake.ID
}

type ActivateResponse struct {
	Subscription Subscription `json:"subscription"`
	Balance      int64        `json:"balance"`
	// Superseded is the subscription cancelled by this activation, if any.
	Superseded *Subscription `json:"superseded,omitempty"`
}

type ListSubscriptionRequest struct {
	pagination.Pagination
	CompanyID snowflake.ID
	Status    string
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

// RenewalReport summarises one renewal sweep.
type RenewalReport struct {
	Scanned     int `json:"scanned"`
	Renewed     int `json:"renewed"`
	Reactivated int `json:"reactivated"`
	Suspended   int `json:"suspended"`
	Unchanged   int `json:"unchanged"`
	Failed      int `json:"failed"`
}

// ProvisioningError reports a subscription that was charged and then refunded
// because its workflow could not be provisioned.
type ProvisioningError struct {
	SubscriptionID snowflake.ID
	Refunded       int64
	Cause          error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("subscription %s was charged but its analysis workflow could not be provisioned; %d credits were refunded: %v",
		e.SubscriptionID, e.Refunded, e.Cause)
}

func (e *ProvisioningError) Unwrap() error {
	return ErrProvisioningFailed
}

var (
	ErrInvalidCompany       = errors.New("invalid_company")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrProvisioningFailed   = errors.New("provisioning_failed")
)
