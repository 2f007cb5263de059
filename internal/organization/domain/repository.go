package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateCompany(ctx context.Context, company Company) error
	GetCompany(ctx context.Context, id snowflake.ID) (*Company, error)
	UpdateStatus(ctx context.Context, id snowflake.ID, from []CompanyStatus, to CompanyStatus, at time.Time) (bool, error)
	AddMember(ctx context.Context, member Member) error
	GetMember(ctx context.Context, companyID, userID snowflake.ID) (*Member, error)
	ListMembers(ctx context.Context, companyID snowflake.ID) ([]Member, error)
	CountMembers(ctx context.Context, companyID snowflake.ID) (int64, error)
	// ActiveSeatLimit returns the seat limit of the company's active plan, 0 when unlimited or unsubscribed.
	ActiveSeatLimit(ctx context.Context, companyID snowflake.ID) (int, error)
	CancelSubscriptions(ctx context.Context, companyID snowflake.ID, at time.Time) ([]string, error)
}
