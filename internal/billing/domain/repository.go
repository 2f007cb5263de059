package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// FindMemberRole returns an empty role when the user is not a member.
	FindMemberRole(ctx context.Context, db *gorm.DB, companyID, userID snowflake.ID) (string, error)
	// ActiveAnalysisCost reports the analysis cost of the company's ACTIVE plan.
	ActiveAnalysisCost(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (int64, bool, error)
}
