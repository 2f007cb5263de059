package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	CreateCompany(ctx context.Context, req CreateCompanyRequest) (*CompanyResponse, error)
	GetCompany(ctx context.Context, id snowflake.ID) (*Company, error)
	Verify(ctx context.Context, id snowflake.ID) (*Company, error)
	AddMember(ctx context.Context, req AddMemberRequest) (*Member, error)
	GetMember(ctx context.Context, companyID, userID snowflake.ID) (*Member, error)
	ListMembers(ctx context.Context, companyID snowflake.ID) ([]Member, error)
	TopUp(ctx context.Context, req TopUpRequest) (*TopUpResponse, error)
	DeleteCompany(ctx context.Context, companyID snowflake.ID, actingUserID snowflake.ID) (*DeleteCompanyResponse, error)
}

type CreateCompanyRequest struct {
	Name        string
	TaxID       string
	OwnerUserID snowflake.ID
	OwnerName   string
	OwnerEmail  string
}

type CompanyResponse struct {
	Company Company `json:"company"`
	Owner   Member  `json:"owner"`
}

type AddMemberRequest struct {
	CompanyID snowflake.ID
	UserID    snowflake.ID
	Name      string
	Email     string
	Role      Role
}

// TopUpRequest credits a wallet manually. A zero UserID targets the company wallet.
type TopUpRequest struct {
	CompanyID    snowflake.ID
	UserID       snowflake.ID
	Amount       int64
	Description  string
	ActingUserID snowflake.ID
}

type TopUpResponse struct {
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
}

type DeleteCompanyResponse struct {
	CompanyID  string `json:"company_id"`
	SweptTotal int64  `json:"swept_total"`
}

var (
	ErrInvalidName        = errors.New("invalid_name")
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidCompany     = errors.New("invalid_company")
	ErrInvalidRole        = errors.New("invalid_role")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrCompanyNotFound    = errors.New("company_not_found")
	ErrCompanyNotVerified = errors.New("company_not_verified")
	ErrCompanyDeleted     = errors.New("company_deleted")
	ErrMemberNotFound     = errors.New("member_not_found")
	ErrMemberExists       = errors.New("member_already_exists")
	ErrSeatLimitReached   = errors.New("seat_limit_reached")
)
