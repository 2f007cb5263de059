package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/fiscaldoc/internal/audit/domain"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fiscaldoc/internal/observability/metrics"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	"github.com/smallbiznis/fiscaldoc/internal/provisioning"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	outcomeRenewed     = "renewed"
	outcomeReactivated = "reactivated"
	outcomeSuspended   = "suspended"
	outcomeUnchanged   = "unchanged"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        subscriptiondomain.Repository
	Ledger      ledgerdomain.Service
	Plans       plandomain.Service
	Companies   organizationdomain.Repository
	Provisioner provisioning.Provisioner
	Billing     *config.BillingConfigHolder `optional:"true"`
	Clock       clock.Clock                 `optional:"true"`
	AuditSvc    auditdomain.Service         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	repo        subscriptiondomain.Repository
	ledger      ledgerdomain.Service
	plans       plandomain.Service
	companies   organizationdomain.Repository
	provisioner provisioning.Provisioner
	billing     *config.BillingConfigHolder
	auditSvc    auditdomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:       p.GenID,
		clock:       clk,
		repo:        p.Repo,
		ledger:      p.Ledger,
		plans:       p.Plans,
		companies:   p.Companies,
		provisioner: p.Provisioner,
		billing:     p.Billing,
		auditSvc:    p.AuditSvc,
		obsMetrics:  p.ObsMetrics,
	}
}

// Activate charges the plan's monthly cost and replaces any open subscription
// in one transaction held under the company wallet lock. Provisioning runs
// after commit; when it fails the charge is compensated and a
// *ProvisioningError is returned.
func (s *Service) Activate(ctx context.Context, req subscriptiondomain.ActivateRequest) (*subscriptiondomain.ActivateResponse, error) {
	if req.CompanyID == 0 {
		return nil, subscriptiondomain.ErrInvalidCompany
	}
	if strings.TrimSpace(req.PlanSlug) == "" {
		return nil, subscriptiondomain.ErrInvalidPlan
	}

	plan, err := s.plans.GetBySlug(ctx, req.PlanSlug)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, plandomain.ErrPlanInactive
	}

	wallet := ledgerdomain.CompanyWallet(req.CompanyID)
	now := s.clock.Now()
	subscription := subscriptiondomain.Subscription{
		ID:          s.genID.Generate(),
		CompanyID:   req.CompanyID,
		PlanID:      plan.ID,
		PlanSlug:    plan.Slug,
		Status:      subscriptiondomain.SubscriptionStatusActive,
		MonthlyCost: plan.MonthlyCost,
		StartedAt:   now,
		ExpiresAt:   now.Add(s.billing.Get().RenewalPeriod()),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.ActingUserID != 0 {
		actor := req.ActingUserID
		subscription.ActivatedBy = &actor
	}

	var (
		prior   *subscriptiondomain.Subscription
		balance int64
	)
	err = s.ledger.WithLock(ctx, wallet, func(tx *gorm.DB, locked *ledgerdomain.Wallet) error {
		company, err := s.companies.WithTx(tx).GetCompany(ctx, req.CompanyID)
		if err != nil {
			return err
		}
		if company == nil {
			return organizationdomain.ErrCompanyNotFound
		}
		if company.Status != organizationdomain.CompanyStatusVerified {
			return organizationdomain.ErrCompanyNotVerified
		}

		prior, err = s.repo.FindOpenByCompany(ctx, tx, req.CompanyID)
		if err != nil {
			return err
		}
		if prior != nil {
			if _, err := s.repo.Transition(ctx, tx, prior.ID,
				[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusSuspended},
				subscriptiondomain.SubscriptionStatusCancelled,
				now,
				nil,
			); err != nil {
				return err
			}
		}

		if locked.Balance < plan.MonthlyCost {
			return &ledgerdomain.InsufficientFundsError{
				Owner:     wallet,
				Required:  plan.MonthlyCost,
				Available: locked.Balance,
			}
		}

		balance = locked.Balance
		if plan.MonthlyCost > 0 {
			res, err := s.ledger.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
				Owner:         wallet,
				Amount:        plan.MonthlyCost,
				Description:   fmt.Sprintf("subscription %s activation", plan.Slug),
				ReferenceType: ledgerdomain.ReferenceSubscription,
				ReferenceID:   subscription.ID.String(),
			})
			if err != nil {
				return err
			}
			balance = res.Balance
		}
		if plan.WelcomeBonus > 0 {
			res, err := s.ledger.CreditTx(ctx, tx, ledgerdomain.CreditRequest{
				Owner:         wallet,
				Amount:        plan.WelcomeBonus,
				Kind:          ledgerdomain.KindBonus,
				Description:   fmt.Sprintf("subscription %s welcome bonus", plan.Slug),
				ReferenceType: ledgerdomain.ReferenceSubscription,
				ReferenceID:   subscription.ID.String(),
			})
			if err != nil {
				return err
			}
			balance = res.Balance
			subscription.BonusCredited = plan.WelcomeBonus
		}

		return s.repo.Insert(ctx, tx, &subscription)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordSubscriptionEvent(ctx, "activated")
	s.audit(ctx, req.CompanyID, req.ActingUserID, auditdomain.ActionSubscriptionActivated, subscription.ID, map[string]any{
		"plan":         plan.Slug,
		"monthly_cost": plan.MonthlyCost,
		"bonus":        subscription.BonusCredited,
	})

	workflow, provErr := s.provisioner.Provision(ctx, provisioning.Request{
		CompanyID:      req.CompanyID.String(),
		SubscriptionID: subscription.ID.String(),
		PlanSlug:       plan.Slug,
		Template:       plan.WorkflowTemplate,
	})
	if provErr != nil {
		return nil, s.compensateProvisioning(ctx, req, &subscription, provErr)
	}

	if workflow != nil && workflow.ID != "" {
		if err := s.repo.AttachWorkflow(ctx, s.db, subscription.ID, workflow.ID, workflow.WebhookURL, s.clock.Now()); err != nil {
			return nil, err
		}
		subscription.WorkflowID = &workflow.ID
		subscription.WebhookURL = &workflow.WebhookURL
	}

	if prior != nil && prior.WorkflowID != nil && *prior.WorkflowID != "" {
		if err := s.provisioner.Deprovision(ctx, *prior.WorkflowID); err != nil {
			s.log.Warn("failed to deprovision superseded workflow",
				zap.String("subscription_id", prior.ID.String()),
				zap.String("workflow_id", *prior.WorkflowID),
				zap.Error(err),
			)
		}
	}

	resp := &subscriptiondomain.ActivateResponse{Subscription: subscription, Balance: balance}
	if prior != nil {
		prior.Status = subscriptiondomain.SubscriptionStatusCancelled
		prior.CancelledAt = &now
		resp.Superseded = prior
	}
	return resp, nil
}

// compensateProvisioning refunds the monthly charge and reverses the bonus as
// far as the balance allows, then marks the subscription PROVISIONING_FAILED.
func (s *Service) compensateProvisioning(ctx context.Context, req subscriptiondomain.ActivateRequest, subscription *subscriptiondomain.Subscription, cause error) error {
	s.log.Error("workflow provisioning failed",
		zap.String("company_id", req.CompanyID.String()),
		zap.String("subscription_id", subscription.ID.String()),
		zap.Error(cause),
	)

	wallet := ledgerdomain.CompanyWallet(req.CompanyID)
	reason := fmt.Sprintf("provisioning failed: %v", cause)
	var refunded int64

	err := s.ledger.WithLock(ctx, wallet, func(tx *gorm.DB, locked *ledgerdomain.Wallet) error {
		now := s.clock.Now()
		updated, err := s.repo.Transition(ctx, tx, subscription.ID,
			[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusActive},
			subscriptiondomain.SubscriptionStatusProvisioningFailed,
			now,
			&reason,
		)
		if err != nil {
			return err
		}
		if !updated {
			return nil
		}

		available := locked.Balance
		if subscription.MonthlyCost > 0 {
			res, err := s.ledger.CreditTx(ctx, tx, ledgerdomain.CreditRequest{
				Owner:         wallet,
				Amount:        subscription.MonthlyCost,
				Kind:          ledgerdomain.KindRefund,
				Description:   fmt.Sprintf("subscription %s refund: provisioning failed", subscription.PlanSlug),
				ReferenceType: ledgerdomain.ReferenceSubscription,
				ReferenceID:   subscription.ID.String(),
			})
			if err != nil {
				return err
			}
			available = res.Balance
			refunded = subscription.MonthlyCost
		}

		reversal := subscription.BonusCredited
		if reversal > available {
			reversal = available
		}
		if reversal > 0 {
			if _, err := s.ledger.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
				Owner:         wallet,
				Amount:        reversal,
				Description:   fmt.Sprintf("subscription %s welcome bonus reversal", subscription.PlanSlug),
				ReferenceType: ledgerdomain.ReferenceSubscription,
				ReferenceID:   subscription.ID.String(),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	provErr := &subscriptiondomain.ProvisioningError{
		SubscriptionID: subscription.ID,
		Refunded:       refunded,
		Cause:          cause,
	}
	s.obsMetrics.RecordSubscriptionEvent(ctx, "provisioning_failed")
	if err != nil {
		s.log.Error("provisioning compensation failed",
			zap.String("subscription_id", subscription.ID.String()),
			zap.Error(err),
		)
		return errors.Join(provErr, fmt.Errorf("compensation: %w", err))
	}

	s.audit(ctx, req.CompanyID, req.ActingUserID, auditdomain.ActionProvisioningFailed, subscription.ID, map[string]any{
		"refunded": refunded,
		"reason":   reason,
	})
	return provErr
}

// ProcessRenewals renews or suspends every subscription whose period ended at
// or before now. Each decision is taken under the company wallet lock.
func (s *Service) ProcessRenewals(ctx context.Context, now time.Time, batchSize int) (subscriptiondomain.RenewalReport, error) {
	var report subscriptiondomain.RenewalReport

	listStart := time.Now()
	due, err := s.repo.ListDue(ctx, s.db, now, batchSize)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsDue, time.Since(listStart))
	if err != nil {
		return report, err
	}
	report.Scanned = len(due)

	var errs []error
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		outcome, err := s.renewOne(ctx, item.ID, item.CompanyID, now)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("subscription %s: %w", item.ID, err))
			s.log.Warn("renewal failed", zap.String("subscription_id", item.ID.String()), zap.Error(err))
			continue
		}

		switch outcome {
		case outcomeRenewed:
			report.Renewed++
		case outcomeReactivated:
			report.Reactivated++
		case outcomeSuspended:
			report.Suspended++
		default:
			report.Unchanged++
		}
		if outcome != outcomeUnchanged {
			s.obsMetrics.RecordSubscriptionEvent(ctx, outcome)
		}
	}

	return report, errors.Join(errs...)
}

func (s *Service) renewOne(ctx context.Context, id, companyID snowflake.ID, now time.Time) (string, error) {
	wallet := ledgerdomain.CompanyWallet(companyID)
	period := s.billing.Get().RenewalPeriod()
	outcome := outcomeUnchanged
	var charged int64

	lockStart := time.Now()
	err := s.ledger.WithLock(ctx, wallet, func(tx *gorm.DB, locked *ledgerdomain.Wallet) error {
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceCompanyWallet, time.Since(lockStart))
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil || !subscription.Open() || subscription.ExpiresAt.After(now) {
			return nil
		}

		if locked.Balance >= subscription.MonthlyCost {
			if subscription.MonthlyCost > 0 {
				if _, err := s.ledger.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
					Owner:         wallet,
					Amount:        subscription.MonthlyCost,
					Description:   fmt.Sprintf("subscription %s renewal", subscription.PlanSlug),
					ReferenceType: ledgerdomain.ReferenceSubscription,
					ReferenceID:   subscription.ID.String(),
				}); err != nil {
					return err
				}
			}

			base := subscription.ExpiresAt
			if subscription.Status == subscriptiondomain.SubscriptionStatusSuspended || !base.Add(period).After(now) {
				base = now
			}
			updated, err := s.repo.Renew(ctx, tx, subscription.ID, base.Add(period), now)
			if err != nil {
				return err
			}
			if !updated {
				return subscriptiondomain.ErrInvalidStatus
			}

			charged = subscription.MonthlyCost
			outcome = outcomeRenewed
			if subscription.Status == subscriptiondomain.SubscriptionStatusSuspended {
				outcome = outcomeReactivated
			}
			return nil
		}

		if subscription.Status == subscriptiondomain.SubscriptionStatusActive {
			reason := fmt.Sprintf("insufficient funds for renewal: required %d, available %d", subscription.MonthlyCost, locked.Balance)
			updated, err := s.repo.Transition(ctx, tx, subscription.ID,
				[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusActive},
				subscriptiondomain.SubscriptionStatusSuspended,
				now,
				&reason,
			)
			if err != nil {
				return err
			}
			if updated {
				outcome = outcomeSuspended
			}
			return nil
		}
		return s.repo.MarkRenewalChecked(ctx, tx, subscription.ID, now)
	})
	if err != nil {
		return outcomeUnchanged, err
	}

	switch outcome {
	case outcomeRenewed, outcomeReactivated:
		s.audit(ctx, companyID, 0, auditdomain.ActionSubscriptionRenewed, id, map[string]any{
			"charged": charged,
			"outcome": outcome,
		})
	case outcomeSuspended:
		s.audit(ctx, companyID, 0, auditdomain.ActionSubscriptionSuspended, id, nil)
	}
	return outcome, nil
}

func (s *Service) Cancel(ctx context.Context, companyID, actingUserID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if companyID == 0 {
		return nil, subscriptiondomain.ErrInvalidCompany
	}

	var cancelled *subscriptiondomain.Subscription
	err := s.ledger.WithLock(ctx, ledgerdomain.CompanyWallet(companyID), func(tx *gorm.DB, _ *ledgerdomain.Wallet) error {
		open, err := s.repo.FindOpenByCompany(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if open == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		now := s.clock.Now()
		updated, err := s.repo.Transition(ctx, tx, open.ID,
			[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusSuspended},
			subscriptiondomain.SubscriptionStatusCancelled,
			now,
			nil,
		)
		if err != nil {
			return err
		}
		if !updated {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		open.Status = subscriptiondomain.SubscriptionStatusCancelled
		open.CancelledAt = &now
		open.UpdatedAt = now
		cancelled = open
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled.WorkflowID != nil && *cancelled.WorkflowID != "" {
		if err := s.provisioner.Deprovision(ctx, *cancelled.WorkflowID); err != nil {
			s.log.Warn("failed to deprovision cancelled workflow",
				zap.String("subscription_id", cancelled.ID.String()),
				zap.Error(err),
			)
		}
	}

	s.obsMetrics.RecordSubscriptionEvent(ctx, "cancelled")
	s.audit(ctx, companyID, actingUserID, auditdomain.ActionSubscriptionCancelled, cancelled.ID, nil)
	return cancelled, nil
}

func (s *Service) GetActive(ctx context.Context, companyID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if companyID == 0 {
		return nil, subscriptiondomain.ErrInvalidCompany
	}
	subscription, err := s.repo.FindActiveByCompany(ctx, s.db, companyID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	if req.CompanyID == 0 {
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidCompany
	}

	statusFilter, err := parseStatusFilter(req.Status)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	filter := subscriptiondomain.ListFilter{CompanyID: req.CompanyID, Status: statusFilter}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		id, createdAt, err := pagination.DecodePosition(token)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidPageToken
		}
		filter.Cursor = &subscriptiondomain.SubscriptionCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := pagination.Size(req.PageSize, 50)
	filter.Limit = pageSize + 1

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	items, pageInfo, err := pagination.Page(items, pageSize, func(item *subscriptiondomain.Subscription) pagination.Cursor {
		return pagination.NewCursor(item.ID, item.CreatedAt)
	})
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	subscriptions := make([]subscriptiondomain.Subscription, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		subscriptions = append(subscriptions, *item)
	}

	return subscriptiondomain.ListSubscriptionResponse{Subscriptions: subscriptions, PageInfo: pageInfo}, nil
}

func (s *Service) audit(ctx context.Context, companyID, actingUserID snowflake.ID, action string, subscriptionID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorType := string(auditdomain.ActorTypeSystem)
	var actorID *string
	if actingUserID != 0 {
		actorType = string(auditdomain.ActorTypeUser)
		id := actingUserID.String()
		actorID = &id
	}
	targetID := subscriptionID.String()
	if err := s.auditSvc.AuditLog(ctx, &companyID, actorType, actorID, action, "subscription", &targetID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func parseStatusFilter(value string) (subscriptiondomain.SubscriptionStatus, error) {
	status := strings.ToUpper(strings.TrimSpace(value))
	switch subscriptiondomain.SubscriptionStatus(status) {
	case "":
		return "", nil
	case subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusSuspended,
		subscriptiondomain.SubscriptionStatusCancelled,
		subscriptiondomain.SubscriptionStatusProvisioningFailed:
		return subscriptiondomain.SubscriptionStatus(status), nil
	default:
		return "", subscriptiondomain.ErrInvalidStatus
	}
}
