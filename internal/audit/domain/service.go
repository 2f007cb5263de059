package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
)

// Audit actions written by the platform.
const (
	ActionDocumentCompleted     = "document.completed"
	ActionDocumentResolved      = "document.resolved"
	ActionDocumentArchived      = "document.archived"
	ActionDocumentStuck         = "document.stuck"
	ActionSubscriptionActivated = "subscription.activated"
	ActionSubscriptionRenewed   = "subscription.renewed"
	ActionSubscriptionSuspended = "subscription.suspended"
	ActionSubscriptionCancelled = "subscription.cancelled"
	ActionProvisioningFailed    = "subscription.provisioning_failed"
	ActionCompanyCreated        = "company.created"
	ActionCompanyVerified       = "company.verified"
	ActionCompanyDeleted        = "company.deleted"
	ActionMemberAdded           = "company.member_added"
	ActionWalletTopUp           = "wallet.top_up"
	ActionAuthorizationDenied   = "authorization.denied"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	CompanyID  snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	AuditLog(ctx context.Context, companyID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidCompany   = errors.New("invalid_company")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
