package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	pkgdb "github.com/smallbiznis/fiscaldoc/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const documentColumns = `id, company_id, uploaded_by, responsible_user_id, file_name, content_type,
	size_bytes, storage_key, status, status_reason, notes,
	total_amount, tax_amount, icms_amount, net_amount,
	billed, billed_at, billed_wallet_type, billed_wallet_id, billed_amount,
	COALESCE(raw_report, 'null') AS raw_report, duplicate_of, dispatched_at, stuck_flagged_at, completed_at, created_at, updated_at`

type repo struct{}

func Provide() documentdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, doc *documentdomain.Document) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO documents (
			id, company_id, uploaded_by, file_name, content_type, size_bytes,
			storage_key, status, billed, billed_amount, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID,
		doc.CompanyID,
		doc.UploadedBy,
		doc.FileName,
		doc.ContentType,
		doc.SizeBytes,
		doc.StorageKey,
		doc.Status,
		false,
		0,
		doc.CreatedAt,
		doc.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*documentdomain.Document, error) {
	return r.findOne(ctx, db, id, "")
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*documentdomain.Document, error) {
	return r.findOne(ctx, db, id, pkgdb.ForUpdate(db))
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, id snowflake.ID, lockClause string) (*documentdomain.Document, error) {
	var doc documentdomain.Document
	err := db.WithContext(ctx).Raw(
		`SELECT `+documentColumns+`
		FROM documents
		WHERE id = ?
		LIMIT 1`+lockClause,
		id,
	).Scan(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == 0 {
		return nil, nil
	}
	return &doc, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter documentdomain.ListFilter) ([]*documentdomain.Document, error) {
	var (
		clauses = []string{"company_id = ?"}
		args    = []any{filter.CompanyID}
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.UploadedBy != 0 {
		clauses = append(clauses, "uploaded_by = ?")
		args = append(args, filter.UploadedBy)
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

	var items []*documentdomain.Document
	err := db.WithContext(ctx).Raw(
		`SELECT `+documentColumns+`
		FROM documents
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

func (r *repo) ApplyOutcome(ctx context.Context, db *gorm.DB, update documentdomain.OutcomeUpdate) (bool, error) {
	billedAt, walletType, walletID, amount := billingColumns(update.Billing, update.Now)

	var raw any
	if len(update.RawReport) > 0 {
		raw = datatypes.JSON(update.RawReport)
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE documents
		SET status = ?,
			status_reason = ?,
			total_amount = COALESCE(?, total_amount),
			tax_amount = COALESCE(?, tax_amount),
			icms_amount = COALESCE(?, icms_amount),
			net_amount = COALESCE(?, net_amount),
			raw_report = COALESCE(?, raw_report),
			billed = CASE WHEN ? THEN TRUE ELSE billed END,
			billed_at = COALESCE(?, billed_at),
			billed_wallet_type = COALESCE(?, billed_wallet_type),
			billed_wallet_id = COALESCE(?, billed_wallet_id),
			billed_amount = billed_amount + ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND (billed = FALSE OR ? = FALSE)`,
		update.To,
		update.Reason,
		update.Fiscal.TotalAmount,
		update.Fiscal.TaxAmount,
		update.Fiscal.IcmsAmount,
		update.Fiscal.NetAmount,
		raw,
		update.Billing != nil,
		billedAt,
		walletType,
		walletID,
		amount,
		update.Now,
		update.Now,
		update.ID,
		update.From,
		update.Billing != nil,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ApplyResolution(ctx context.Context, db *gorm.DB, update documentdomain.ResolveUpdate) (bool, error) {
	billedAt, walletType, walletID, amount := billingColumns(update.Billing, update.Now)

	result := db.WithContext(ctx).Exec(
		`UPDATE documents
		SET status = ?,
			status_reason = NULL,
			responsible_user_id = ?,
			notes = COALESCE(?, notes),
			billed = CASE WHEN ? THEN TRUE ELSE billed END,
			billed_at = COALESCE(?, billed_at),
			billed_wallet_type = COALESCE(?, billed_wallet_type),
			billed_wallet_id = COALESCE(?, billed_wallet_id),
			billed_amount = billed_amount + ?,
			completed_at = COALESCE(completed_at, ?),
			updated_at = ?
		WHERE id = ? AND status = ? AND (billed = FALSE OR ? = FALSE)`,
		update.To,
		update.ResponsibleUserID,
		update.Notes,
		update.Billing != nil,
		billedAt,
		walletType,
		walletID,
		amount,
		update.Now,
		update.Now,
		update.ID,
		update.From,
		update.Billing != nil,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Archive(ctx context.Context, db *gorm.DB, companyID snowflake.ID, ids []snowflake.ID, duplicateOf snowflake.ID, now time.Time) ([]snowflake.ID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var candidates []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		FROM documents
		WHERE company_id = ? AND id IN ? AND id <> ? AND status <> 'ARCHIVED'
		ORDER BY id ASC`+pkgdb.ForUpdate(db),
		companyID,
		ids,
		duplicateOf,
	).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	err = db.WithContext(ctx).Exec(
		`UPDATE documents
		SET status = 'ARCHIVED', duplicate_of = ?, updated_at = ?
		WHERE id IN ? AND status <> 'ARCHIVED'`,
		duplicateOf,
		now,
		candidates,
	).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func (r *repo) MarkDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE documents
		SET dispatched_at = ?, updated_at = ?
		WHERE id = ? AND dispatched_at IS NULL`,
		at,
		at,
		id,
	).Error
}

func (r *repo) ListStuck(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]documentdomain.Document, error) {
	return r.listProcessing(ctx, db, `created_at <= ? AND stuck_flagged_at IS NULL`, cutoff, limit)
}

func (r *repo) ListFlaggedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]documentdomain.Document, error) {
	return r.listProcessing(ctx, db, `stuck_flagged_at IS NOT NULL AND stuck_flagged_at <= ?`, cutoff, limit)
}

func (r *repo) listProcessing(ctx context.Context, db *gorm.DB, where string, cutoff time.Time, limit int) ([]documentdomain.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []documentdomain.Document
	err := db.WithContext(ctx).Raw(
		`SELECT `+documentColumns+`
		FROM documents
		WHERE status = 'PROCESSING' AND `+where+`
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FlagStuck(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE documents
		SET stuck_flagged_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND stuck_flagged_at IS NULL`,
		now,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func billingColumns(stamp *documentdomain.BillingStamp, now time.Time) (*time.Time, *string, *snowflake.ID, int64) {
	if stamp == nil {
		return nil, nil, nil, 0
	}
	walletType := string(stamp.Owner.Type)
	walletID := stamp.Owner.ID
	return &now, &walletType, &walletID, stamp.Amount
}
