package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

// Upsert writes every column, zero values included, so a retired tier keeps
// active = false instead of picking up the column default.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Select("*").Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"monthly_cost",
			"analysis_cost",
			"welcome_bonus",
			"seat_limit",
			"workflow_template",
			"active",
			"updated_at",
		}),
	}).Create(plan).Error
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*plandomain.Plan, error) {
	return r.findOne(ctx, db, "slug = ?", slug)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	return r.findOne(ctx, db, "id = ?", id)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, slug, name, monthly_cost, analysis_cost, welcome_bonus, seat_limit,
			workflow_template, active, created_at, updated_at
		FROM plans
		WHERE `+where+`
		LIMIT 1`,
		arg,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]plandomain.Plan, error) {
	query := `SELECT id, slug, name, monthly_cost, analysis_cost, welcome_bonus, seat_limit,
			workflow_template, active, created_at, updated_at
		FROM plans`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY monthly_cost ASC, id ASC`

	var plans []plandomain.Plan
	if err := db.WithContext(ctx).Raw(query).Scan(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}
