package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/fiscaldoc/pkg/db"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, company_id, plan_id, plan_slug, status, monthly_cost, bonus_credited,
	activated_by, started_at, expires_at, workflow_id, webhook_url, failure_reason,
	renewed_at, suspended_at, cancelled_at, renewal_checked_at, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.CompanyID,
		subscription.PlanID,
		subscription.PlanSlug,
		subscription.Status,
		subscription.MonthlyCost,
		subscription.BonusCredited,
		subscription.ActivatedBy,
		subscription.StartedAt,
		subscription.ExpiresAt,
		subscription.WorkflowID,
		subscription.WebhookURL,
		subscription.FailureReason,
		subscription.RenewedAt,
		subscription.SuspendedAt,
		subscription.CancelledAt,
		subscription.RenewalCheckedAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `WHERE id = ?`, "", id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `WHERE id = ?`, pkgdb.ForUpdate(db), id)
}

func (r *repo) FindOpenByCompany(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`WHERE company_id = ? AND status IN ('ACTIVE', 'SUSPENDED')
		ORDER BY CASE status WHEN 'ACTIVE' THEN 0 ELSE 1 END, created_at DESC`,
		"",
		companyID,
	)
}

func (r *repo) FindActiveByCompany(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `WHERE company_id = ? AND status = 'ACTIVE'`, "", companyID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, lockClause string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		FROM subscriptions
		`+where+`
		LIMIT 1`+lockClause,
		args...,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// ListDue returns expired ACTIVE subscriptions first, then SUSPENDED ones not
// yet checked at now. A sweep therefore always reaches every ACTIVE row, no
// matter how many unfunded suspensions are waiting.
func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE expires_at <= ?
			AND (
				status = 'ACTIVE'
				OR (status = 'SUSPENDED' AND (renewal_checked_at IS NULL OR renewal_checked_at < ?))
			)
		ORDER BY CASE WHEN status = 'ACTIVE' THEN 0 ELSE 1 END, expires_at ASC, id ASC
		LIMIT ?`,
		now,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter subscriptiondomain.ListFilter) ([]*subscriptiondomain.Subscription, error) {
	var (
		clauses = []string{"company_id = ?"}
		args    = []any{filter.CompanyID}
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Cursor != nil {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	var items []*subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []subscriptiondomain.SubscriptionStatus, to subscriptiondomain.SubscriptionStatus, now time.Time, reason *string) (bool, error) {
	var (
		suspendedAt *time.Time
		cancelledAt *time.Time
		checkedAt   *time.Time
	)
	switch to {
	case subscriptiondomain.SubscriptionStatusSuspended:
		suspendedAt = &now
		checkedAt = &now
	case subscriptiondomain.SubscriptionStatusCancelled:
		cancelledAt = &now
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET status = ?,
			suspended_at = COALESCE(?, suspended_at),
			cancelled_at = COALESCE(?, cancelled_at),
			renewal_checked_at = COALESCE(?, renewal_checked_at),
			failure_reason = COALESCE(?, failure_reason),
			updated_at = ?
		WHERE id = ? AND status IN ?`,
		to,
		suspendedAt,
		cancelledAt,
		checkedAt,
		reason,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Renew(ctx context.Context, db *gorm.DB, id snowflake.ID, expiresAt, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET status = 'ACTIVE', expires_at = ?, renewed_at = ?, suspended_at = NULL, renewal_checked_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('ACTIVE', 'SUSPENDED')`,
		expiresAt,
		now,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkRenewalChecked(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET renewal_checked_at = ?
		WHERE id = ? AND status = 'SUSPENDED'`,
		now,
		id,
	).Error
}

func (r *repo) AttachWorkflow(ctx context.Context, db *gorm.DB, id snowflake.ID, workflowID, webhookURL string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET workflow_id = ?, webhook_url = ?, updated_at = ?
		WHERE id = ?`,
		workflowID,
		webhookURL,
		now,
		id,
	).Error
}
