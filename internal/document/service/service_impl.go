package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/fiscaldoc/internal/audit/domain"
	billingdomain "github.com/smallbiznis/fiscaldoc/internal/billing/domain"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	"github.com/smallbiznis/fiscaldoc/internal/dispatch"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	"github.com/smallbiznis/fiscaldoc/internal/document/report"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fiscaldoc/internal/observability/metrics"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	"github.com/smallbiznis/fiscaldoc/internal/storage"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sourceCallback  = "callback"
	sourceManual    = "manual"
	sourceScheduler = "scheduler"

	skippedAlreadyCompleted = "already_completed"
	skippedNotFound         = "document_not_found"
	skippedUnresolved       = "unresolved_correlation"

	stuckFailureReason = "analysis result not received in time"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       documentdomain.Repository
	Billing    billingdomain.Service
	Companies  organizationdomain.Repository
	Storage    storage.Storage
	Dispatcher dispatch.Dispatcher
	BillingCfg *config.BillingConfigHolder `optional:"true"`
	Clock      clock.Clock                 `optional:"true"`
	AuditSvc   auditdomain.Service         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	repo       documentdomain.Repository
	billing    billingdomain.Service
	companies  organizationdomain.Repository
	storage    storage.Storage
	dispatcher dispatch.Dispatcher
	billingCfg *config.BillingConfigHolder
	clock      clock.Clock
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) documentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("document.service"),

		genID:      p.GenID,
		repo:       p.Repo,
		billing:    p.Billing,
		companies:  p.Companies,
		storage:    p.Storage,
		dispatcher: p.Dispatcher,
		billingCfg: p.BillingCfg,
		clock:      clk,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Intake(ctx context.Context, req documentdomain.IntakeRequest) (*documentdomain.IntakeResponse, error) {
	if req.CompanyID == 0 {
		return nil, documentdomain.ErrInvalidCompany
	}
	if req.UserID == 0 {
		return nil, documentdomain.ErrInvalidUser
	}
	if len(req.Files) == 0 {
		return nil, documentdomain.ErrNoFiles
	}

	company, err := s.companies.GetCompany(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	if company == nil || company.Status == organizationdomain.CompanyStatusDeleted {
		return nil, documentdomain.ErrCompanyUnavailable
	}

	eligibility, err := s.billing.CheckEligibility(ctx, req.CompanyID, req.UserID, len(req.Files))
	if err != nil {
		return nil, err
	}

	resp := &documentdomain.IntakeResponse{
		Documents: make([]documentdomain.Document, 0, len(req.Files)),
		UnitCost:  eligibility.UnitCost,
	}
	for _, file := range req.Files {
		doc, err := s.intakeOne(ctx, req, file)
		if err != nil {
			s.log.Warn("document intake failed",
				zap.String("company_id", req.CompanyID.String()),
				zap.String("file_name", file.FileName),
				zap.Error(err),
			)
			resp.Failed = append(resp.Failed, documentdomain.IntakeFailure{FileName: file.FileName, Reason: err.Error()})
			continue
		}
		resp.Documents = append(resp.Documents, *doc)

		s.dispatcher.Dispatch(ctx, dispatch.Submission{
			DocumentID:  doc.ID,
			CompanyID:   doc.CompanyID,
			UploadedBy:  doc.UploadedBy,
			FileName:    doc.FileName,
			ContentType: doc.ContentType,
			StorageKey:  doc.StorageKey,
		})
	}

	s.obsMetrics.RecordDocumentsIntake(ctx, len(resp.Documents))
	return resp, nil
}

func (s *Service) intakeOne(ctx context.Context, req documentdomain.IntakeRequest, file documentdomain.IntakeFile) (*documentdomain.Document, error) {
	name := filepath.Base(strings.TrimSpace(file.FileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, documentdomain.ErrInvalidDocument
	}
	if file.Open == nil {
		return nil, documentdomain.ErrInvalidDocument
	}

	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	obj, err := s.storage.Put(ctx, req.CompanyID.String(), name, rc)
	closeErr := rc.Close()
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if closeErr != nil {
		s.log.Debug("closing upload failed", zap.Error(closeErr))
	}

	now := s.clock.Now()
	doc := documentdomain.Document{
		ID:          s.genID.Generate(),
		CompanyID:   req.CompanyID,
		UploadedBy:  req.UserID,
		FileName:    name,
		ContentType: strings.TrimSpace(file.ContentType),
		SizeBytes:   obj.Size,
		StorageKey:  obj.Key,
		Status:      documentdomain.StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, &doc); err != nil {
		if delErr := s.storage.Delete(ctx, obj.Key); delErr != nil {
			s.log.Warn("failed to remove orphaned upload", zap.String("key", obj.Key), zap.Error(delErr))
		}
		return nil, err
	}
	return &doc, nil
}

func (s *Service) Complete(ctx context.Context, body []byte) (*documentdomain.CompletionResult, error) {
	items, err := report.Parse(body)
	if err != nil {
		return nil, err
	}

	result := &documentdomain.CompletionResult{
		Received:  len(items),
		Documents: make([]documentdomain.CompletionOutcome, 0, len(items)),
	}

	var errs []error
	for _, item := range items {
		if item.Err != nil {
			result.Unresolved++
			s.obsMetrics.RecordCallbackSkipped(ctx, skippedUnresolved)
			s.log.Warn("completion report skipped", zap.Error(item.Err), zap.ByteString("report", truncate(item.Report.Raw, 512)))
			continue
		}

		outcome, err := s.completeOne(ctx, item.Report)
		switch {
		case errors.Is(err, documentdomain.ErrDocumentNotFound):
			result.NotFound++
			outcome.Skipped = skippedNotFound
			s.obsMetrics.RecordCallbackSkipped(ctx, skippedNotFound)
		case errors.Is(err, documentdomain.ErrConcurrentUpdate):
			result.Duplicate++
			outcome.Skipped = skippedAlreadyCompleted
			s.obsMetrics.RecordCallbackSkipped(ctx, skippedAlreadyCompleted)
		case err != nil:
			errs = append(errs, fmt.Errorf("document %s: %w", item.Report.DocumentID, err))
			s.log.Error("completion failed", zap.String("document_id", item.Report.DocumentID.String()), zap.Error(err))
			continue
		case outcome.Skipped != "":
			result.Duplicate++
			s.obsMetrics.RecordCallbackSkipped(ctx, outcome.Skipped)
		default:
			result.Completed++
			if outcome.Billed {
				result.Billed++
			}
			if outcome.Status == documentdomain.StatusError {
				result.Errored++
			}
		}
		result.Documents = append(result.Documents, outcome)
	}

	return result, errors.Join(errs...)
}

func (s *Service) completeOne(ctx context.Context, rep report.Report) (documentdomain.CompletionOutcome, error) {
	outcome := documentdomain.CompletionOutcome{DocumentID: rep.DocumentID}
	var (
		doc          *documentdomain.Document
		insufficient *ledgerdomain.InsufficientFundsError
		charge       billingdomain.ChargeResult
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		doc, err = s.repo.FindByIDForUpdate(ctx, tx, rep.DocumentID)
		if err != nil {
			return err
		}
		if doc == nil {
			return documentdomain.ErrDocumentNotFound
		}
		if doc.Status != documentdomain.StatusProcessing {
			outcome.Status = doc.Status
			outcome.Billed = doc.Billed
			outcome.Skipped = skippedAlreadyCompleted
			return nil
		}

		now := s.clock.Now()
		update := documentdomain.OutcomeUpdate{
			ID:        doc.ID,
			From:      documentdomain.StatusProcessing,
			To:        statusForOutcome(rep.Outcome),
			Fiscal:    rep.Fiscal,
			RawReport: rep.Raw,
			Now:       now,
		}
		if update.To == documentdomain.StatusError && rep.Status != "" {
			reason := fmt.Sprintf("analysis reported %q", rep.Status)
			update.Reason = &reason
		}

		if update.To.Billable() && !doc.Billed {
			charge, err = s.billing.ChargeDocumentTx(ctx, tx, billingdomain.Charge{
				CompanyID:  doc.CompanyID,
				UserID:     doc.UploadedBy,
				DocumentID: doc.ID,
			})
			if ife, ok := ledgerdomain.AsInsufficientFunds(err); ok {
				insufficient = ife
				reason := insufficientReason(ife)
				update.To = documentdomain.StatusError
				update.Reason = &reason
			} else if err != nil {
				return err
			} else {
				update.Billing = &documentdomain.BillingStamp{Owner: charge.Owner, Amount: charge.Amount}
			}
		}

		updated, err := s.repo.ApplyOutcome(ctx, tx, update)
		if err != nil {
			return err
		}
		if !updated {
			return documentdomain.ErrConcurrentUpdate
		}

		outcome.Status = update.To
		outcome.Billed = update.Billing != nil
		return nil
	})
	if err != nil || outcome.Skipped != "" {
		return outcome, err
	}

	log := s.log.With(
		zap.String("document_id", doc.ID.String()),
		zap.String("company_id", doc.CompanyID.String()),
		zap.String("status", string(outcome.Status)),
	)
	if insufficient != nil {
		log.Warn("document moved to ERROR, uploader cannot pay for the analysis",
			zap.Int64("required", insufficient.Required),
			zap.Int64("available", insufficient.Available),
		)
	} else {
		log.Info("document completed", zap.Bool("billed", outcome.Billed))
	}

	s.obsMetrics.RecordDocumentOutcome(ctx, string(outcome.Status), sourceCallback)
	metadata := map[string]any{
		"status":  string(outcome.Status),
		"outcome": rep.Status,
		"billed":  outcome.Billed,
	}
	if outcome.Billed {
		metadata["charged"] = charge.Amount
		metadata["wallet"] = charge.Owner.String()
	}
	s.audit(ctx, doc.CompanyID, auditdomain.ActorTypeCallback, nil, auditdomain.ActionDocumentCompleted, doc.ID, metadata)
	return outcome, nil
}

// Resolve records a human decision on a document and archives the listed
// duplicates. The uploader is billed when the document was never billed.
func (s *Service) Resolve(ctx context.Context, req documentdomain.ResolveRequest) (*documentdomain.ResolveResponse, error) {
	if req.CompanyID == 0 {
		return nil, documentdomain.ErrInvalidCompany
	}
	if req.DocumentID == 0 {
		return nil, documentdomain.ErrInvalidDocument
	}
	if req.ActingUserID == 0 {
		return nil, documentdomain.ErrInvalidUser
	}
	target := documentdomain.DocumentStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	if target != documentdomain.StatusUserApproved && target != documentdomain.StatusRejected {
		return nil, documentdomain.ErrInvalidStatus
	}

	var notes *string
	if trimmed := strings.TrimSpace(req.Notes); trimmed != "" {
		notes = &trimmed
	}

	resp := &documentdomain.ResolveResponse{Archived: []snowflake.ID{}}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := s.repo.FindByIDForUpdate(ctx, tx, req.DocumentID)
		if err != nil {
			return err
		}
		if doc == nil || doc.CompanyID != req.CompanyID {
			return documentdomain.ErrDocumentNotFound
		}
		switch doc.Status {
		case documentdomain.StatusProcessing, documentdomain.StatusError, documentdomain.StatusRejected:
		default:
			return documentdomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		update := documentdomain.ResolveUpdate{
			ID:                doc.ID,
			From:              doc.Status,
			To:                target,
			ResponsibleUserID: req.ActingUserID,
			Notes:             notes,
			Now:               now,
		}
		if target.Billable() && !doc.Billed {
			charge, err := s.billing.ChargeDocumentTx(ctx, tx, billingdomain.Charge{
				CompanyID:  doc.CompanyID,
				UserID:     doc.UploadedBy,
				DocumentID: doc.ID,
			})
			if err != nil {
				return err
			}
			update.Billing = &documentdomain.BillingStamp{Owner: charge.Owner, Amount: charge.Amount}
			resp.Charged = charge.Amount
		}

		updated, err := s.repo.ApplyResolution(ctx, tx, update)
		if err != nil {
			return err
		}
		if !updated {
			return documentdomain.ErrConcurrentUpdate
		}

		archived, err := s.repo.Archive(ctx, tx, req.CompanyID, dedupe(req.DuplicateIDs, doc.ID), doc.ID, now)
		if err != nil {
			return err
		}
		if archived != nil {
			resp.Archived = archived
		}

		reloaded, err := s.repo.FindByID(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		resp.Document = *reloaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordDocumentOutcome(ctx, string(target), sourceManual)
	actorID := req.ActingUserID.String()
	s.audit(ctx, req.CompanyID, auditdomain.ActorTypeUser, &actorID, auditdomain.ActionDocumentResolved, req.DocumentID, map[string]any{
		"status":   string(target),
		"charged":  resp.Charged,
		"archived": len(resp.Archived),
	})
	for _, id := range resp.Archived {
		s.obsMetrics.RecordDocumentOutcome(ctx, string(documentdomain.StatusArchived), sourceManual)
		s.audit(ctx, req.CompanyID, auditdomain.ActorTypeUser, &actorID, auditdomain.ActionDocumentArchived, id, map[string]any{
			"duplicate_of": req.DocumentID.String(),
		})
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, companyID, id snowflake.ID) (*documentdomain.Document, error) {
	if companyID == 0 {
		return nil, documentdomain.ErrInvalidCompany
	}
	if id == 0 {
		return nil, documentdomain.ErrInvalidDocument
	}
	doc, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.CompanyID != companyID {
		return nil, documentdomain.ErrDocumentNotFound
	}
	return doc, nil
}

func (s *Service) List(ctx context.Context, req documentdomain.ListRequest) (documentdomain.ListResponse, error) {
	if req.CompanyID == 0 {
		return documentdomain.ListResponse{}, documentdomain.ErrInvalidCompany
	}

	filter := documentdomain.ListFilter{CompanyID: req.CompanyID, UploadedBy: req.UploadedBy}
	if status := strings.ToUpper(strings.TrimSpace(req.Status)); status != "" {
		filter.Status = documentdomain.DocumentStatus(status)
		if !filter.Status.Valid() {
			return documentdomain.ListResponse{}, documentdomain.ErrInvalidStatus
		}
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := decodeCursor(token)
		if err != nil {
			return documentdomain.ListResponse{}, documentdomain.ErrInvalidPageToken
		}
		filter.Cursor = cursor
	}

	pageSize := pagination.Size(req.PageSize, pagination.DefaultPageSize)
	filter.Limit = pageSize + 1

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return documentdomain.ListResponse{}, err
	}

	items, pageInfo, err := pagination.Page(items, pageSize, func(doc *documentdomain.Document) pagination.Cursor {
		return pagination.NewCursor(doc.ID, doc.CreatedAt)
	})
	if err != nil {
		return documentdomain.ListResponse{}, err
	}

	docs := make([]documentdomain.Document, 0, len(items))
	for _, item := range items {
		if item != nil {
			docs = append(docs, *item)
		}
	}

	return documentdomain.ListResponse{Documents: docs, PageInfo: pageInfo}, nil
}

func (s *Service) FlagStuck(ctx context.Context, now time.Time, batchSize int) (documentdomain.StuckReport, error) {
	var report documentdomain.StuckReport
	cfg := s.billingCfg.Get()

	threshold := cfg.StuckThreshold
	if threshold <= 0 {
		threshold = config.DefaultBillingConfig().StuckThreshold
	}

	listStart := time.Now()
	stuck, err := s.repo.ListStuck(ctx, s.db, now.Add(-threshold), batchSize)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceStuckDocuments, time.Since(listStart))
	if err != nil {
		return report, err
	}

	var errs []error
	for _, doc := range stuck {
		flagged, err := s.repo.FlagStuck(ctx, s.db, doc.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("flag document %s: %w", doc.ID, err))
			continue
		}
		if !flagged {
			continue
		}
		report.Flagged++
		s.log.Warn("document stuck in PROCESSING",
			zap.String("document_id", doc.ID.String()),
			zap.String("company_id", doc.CompanyID.String()),
			zap.Duration("age", now.Sub(doc.CreatedAt)),
			zap.Bool("dispatched", doc.DispatchedAt != nil),
		)
		s.obsMetrics.RecordDocumentOutcome(ctx, "STUCK", sourceScheduler)
		s.audit(ctx, doc.CompanyID, auditdomain.ActorTypeScheduler, nil, auditdomain.ActionDocumentStuck, doc.ID, map[string]any{
			"age_seconds": int64(now.Sub(doc.CreatedAt).Seconds()),
		})
	}

	if cfg.StuckFailAfter > 0 {
		expired, err := s.repo.ListFlaggedBefore(ctx, s.db, now.Add(-cfg.StuckFailAfter), batchSize)
		if err != nil {
			errs = append(errs, err)
		}
		for _, doc := range expired {
			reason := stuckFailureReason
			updated, err := s.repo.ApplyOutcome(ctx, s.db, documentdomain.OutcomeUpdate{
				ID:     doc.ID,
				From:   documentdomain.StatusProcessing,
				To:     documentdomain.StatusError,
				Reason: &reason,
				Now:    now,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("fail document %s: %w", doc.ID, err))
				continue
			}
			if updated {
				report.Failed++
				s.obsMetrics.RecordDocumentOutcome(ctx, string(documentdomain.StatusError), sourceScheduler)
			}
		}
	}

	return report, errors.Join(errs...)
}

func (s *Service) audit(ctx context.Context, companyID snowflake.ID, actorType auditdomain.ActorType, actorID *string, action string, documentID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	targetID := documentID.String()
	if err := s.auditSvc.AuditLog(ctx, &companyID, string(actorType), actorID, action, "document", &targetID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func statusForOutcome(outcome report.Outcome) documentdomain.DocumentStatus {
	switch outcome {
	case report.OutcomeRejected:
		return documentdomain.StatusRejected
	case report.OutcomeError:
		return documentdomain.StatusError
	default:
		return documentdomain.StatusApproved
	}
}

func insufficientReason(err *ledgerdomain.InsufficientFundsError) string {
	return fmt.Sprintf("insufficient credits to bill the analysis: required %d, available %d", err.Required, err.Available)
}

func dedupe(ids []snowflake.ID, exclude snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func decodeCursor(token string) (*documentdomain.DocumentCursor, error) {
	id, createdAt, err := pagination.DecodePosition(token)
	if err != nil {
		return nil, err
	}
	return &documentdomain.DocumentCursor{ID: id, CreatedAt: createdAt}, nil
}

func truncate(raw []byte, limit int) []byte {
	if len(raw) <= limit {
		return raw
	}
	return raw[:limit]
}
