package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/fiscaldoc/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) FindMemberRole(ctx context.Context, db *gorm.DB, companyID, userID snowflake.ID) (string, error) {
	var row struct {
		Role string
	}
	err := db.WithContext(ctx).Raw(
		`SELECT role
		FROM company_members
		WHERE company_id = ? AND user_id = ?
		LIMIT 1`,
		companyID,
		userID,
	).Scan(&row).Error
	if err != nil {
		return "", err
	}
	return row.Role, nil
}

func (r *repo) ActiveAnalysisCost(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (int64, bool, error) {
	var rows []struct {
		AnalysisCost int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT p.analysis_cost
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.company_id = ? AND s.status = 'ACTIVE'
		LIMIT 1`,
		companyID,
	).Scan(&rows).Error
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].AnalysisCost, true, nil
}
