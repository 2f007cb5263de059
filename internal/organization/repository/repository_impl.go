package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) CreateCompany(ctx context.Context, company domain.Company) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO companies (id, name, slug, tax_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		company.ID,
		company.Name,
		company.Slug,
		company.TaxID,
		company.Status,
		company.CreatedAt,
		company.UpdatedAt,
	).Error
}

func (r *repository) GetCompany(ctx context.Context, id snowflake.ID) (*domain.Company, error) {
	var company domain.Company
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, name, slug, tax_id, status, verified_at, deleted_at, created_at, updated_at
		 FROM companies
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&company).Error
	if err != nil {
		return nil, err
	}
	if company.ID == 0 {
		return nil, nil
	}
	return &company, nil
}

func (r *repository) UpdateStatus(ctx context.Context, id snowflake.ID, from []domain.CompanyStatus, to domain.CompanyStatus, at time.Time) (bool, error) {
	var (
		verifiedAt *time.Time
		deletedAt  *time.Time
	)
	switch to {
	case domain.CompanyStatusVerified:
		verifiedAt = &at
	case domain.CompanyStatusDeleted:
		deletedAt = &at
	}

	result := r.db.WithContext(ctx).Exec(
		`UPDATE companies
		 SET status = ?,
		     verified_at = COALESCE(?, verified_at),
		     deleted_at = COALESCE(?, deleted_at),
		     updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		verifiedAt,
		deletedAt,
		at,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) AddMember(ctx context.Context, member domain.Member) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO company_members (id, company_id, user_id, name, email, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		member.ID,
		member.CompanyID,
		member.UserID,
		member.Name,
		member.Email,
		member.Role,
		member.CreatedAt,
	).Error
}

func (r *repository) GetMember(ctx context.Context, companyID, userID snowflake.ID) (*domain.Member, error) {
	var member domain.Member
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, company_id, user_id, name, email, role, created_at
		 FROM company_members
		 WHERE company_id = ? AND user_id = ?
		 LIMIT 1`,
		companyID,
		userID,
	).Scan(&member).Error
	if err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, nil
	}
	return &member, nil
}

func (r *repository) ListMembers(ctx context.Context, companyID snowflake.ID) ([]domain.Member, error) {
	var members []domain.Member
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, company_id, user_id, name, email, role, created_at
		 FROM company_members
		 WHERE company_id = ?
		 ORDER BY created_at ASC, id ASC`,
		companyID,
	).Scan(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repository) CountMembers(ctx context.Context, companyID snowflake.ID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM company_members WHERE company_id = ?`,
		companyID,
	).Scan(&count).Error
	return count, err
}

func (r *repository) ActiveSeatLimit(ctx context.Context, companyID snowflake.ID) (int, error) {
	var row struct {
		SeatLimit int
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT p.seat_limit
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.company_id = ? AND s.status = 'ACTIVE'
		 LIMIT 1`,
		companyID,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.SeatLimit, nil
}

// CancelSubscriptions cancels every open subscription of the company and
// returns the workflow ids they were provisioned with.
func (r *repository) CancelSubscriptions(ctx context.Context, companyID snowflake.ID, at time.Time) ([]string, error) {
	var workflowIDs []string
	err := r.db.WithContext(ctx).Raw(
		`SELECT workflow_id
		 FROM subscriptions
		 WHERE company_id = ? AND status IN ('ACTIVE', 'SUSPENDED')
		   AND workflow_id IS NOT NULL AND workflow_id <> ''`,
		companyID,
	).Scan(&workflowIDs).Error
	if err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = 'CANCELLED', cancelled_at = ?, updated_at = ?
		 WHERE company_id = ? AND status IN ('ACTIVE', 'SUSPENDED')`,
		at,
		at,
		companyID,
	).Error
	if err != nil {
		return nil, err
	}
	return workflowIDs, nil
}
