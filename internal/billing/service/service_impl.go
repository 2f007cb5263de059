package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/fiscaldoc/internal/billing/domain"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fiscaldoc/internal/observability/metrics"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       billingdomain.Repository
	Ledger     ledgerdomain.Service
	Billing    *config.BillingConfigHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       billingdomain.Repository
	ledger     ledgerdomain.Service
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.resolver"),
		repo:       p.Repo,
		ledger:     p.Ledger,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ResolveBillingTarget(ctx context.Context, companyID, userID snowflake.ID) (ledgerdomain.WalletOwner, error) {
	return s.resolveTarget(ctx, s.db, companyID, userID)
}

func (s *Service) ResolveUnitCost(ctx context.Context, companyID snowflake.ID) (int64, error) {
	return s.resolveUnitCost(ctx, s.db, companyID)
}

// ChargeDocumentTx debits one analysis from the wallet that pays for userID.
// An *ledgerdomain.InsufficientFundsError leaves tx untouched.
func (s *Service) ChargeDocumentTx(ctx context.Context, tx *gorm.DB, charge billingdomain.Charge) (billingdomain.ChargeResult, error) {
	owner, err := s.resolveTarget(ctx, tx, charge.CompanyID, charge.UserID)
	if err != nil {
		return billingdomain.ChargeResult{}, err
	}
	cost, err := s.resolveUnitCost(ctx, tx, charge.CompanyID)
	if err != nil {
		return billingdomain.ChargeResult{}, err
	}

	description := charge.Description
	if description == "" {
		description = fmt.Sprintf("document analysis %s", charge.DocumentID)
	}
	res, err := s.ledger.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
		Owner:         owner,
		Amount:        cost,
		Description:   description,
		ReferenceType: ledgerdomain.ReferenceDocument,
		ReferenceID:   charge.DocumentID.String(),
	})
	if err != nil {
		return billingdomain.ChargeResult{Owner: owner, Amount: cost}, err
	}

	return billingdomain.ChargeResult{
		Owner:         owner,
		Amount:        cost,
		Balance:       res.Balance,
		TransactionID: res.TransactionID,
	}, nil
}

// CheckEligibility verifies that the paying wallet covers count analyses.
func (s *Service) CheckEligibility(ctx context.Context, companyID, userID snowflake.ID, count int) (billingdomain.Eligibility, error) {
	if count <= 0 {
		return billingdomain.Eligibility{}, billingdomain.ErrInvalidCount
	}
	owner, err := s.ResolveBillingTarget(ctx, companyID, userID)
	if err != nil {
		return billingdomain.Eligibility{}, err
	}
	cost, err := s.ResolveUnitCost(ctx, companyID)
	if err != nil {
		return billingdomain.Eligibility{}, err
	}
	balance, err := s.ledger.Balance(ctx, owner)
	if err != nil {
		return billingdomain.Eligibility{}, err
	}

	eligibility := billingdomain.Eligibility{
		Owner:     owner,
		UnitCost:  cost,
		Required:  cost * int64(count),
		Available: balance,
	}
	if eligibility.Available < eligibility.Required {
		s.obsMetrics.RecordInsufficientFunds(ctx, string(owner.Type), "intake_precheck")
		return eligibility, &ledgerdomain.InsufficientFundsError{
			Owner:     owner,
			Required:  eligibility.Required,
			Available: eligibility.Available,
		}
	}
	return eligibility, nil
}

func (s *Service) resolveTarget(ctx context.Context, db *gorm.DB, companyID, userID snowflake.ID) (ledgerdomain.WalletOwner, error) {
	if companyID == 0 {
		return ledgerdomain.WalletOwner{}, billingdomain.ErrInvalidCompany
	}
	if userID == 0 {
		return ledgerdomain.WalletOwner{}, billingdomain.ErrInvalidUser
	}

	role, err := s.repo.FindMemberRole(ctx, db, companyID, userID)
	if err != nil {
		return ledgerdomain.WalletOwner{}, err
	}
	switch organizationdomain.Role(role) {
	case "":
		return ledgerdomain.WalletOwner{}, billingdomain.ErrMemberNotFound
	case organizationdomain.RoleCollaborator:
		return ledgerdomain.UserWallet(userID), nil
	default:
		return ledgerdomain.CompanyWallet(companyID), nil
	}
}

func (s *Service) resolveUnitCost(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (int64, error) {
	if companyID == 0 {
		return 0, billingdomain.ErrInvalidCompany
	}
	cost, found, err := s.repo.ActiveAnalysisCost(ctx, db, companyID)
	if err != nil {
		return 0, err
	}
	if found && cost > 0 {
		return cost, nil
	}

	fallback := s.billing.Get().FallbackUnitCost
	if fallback <= 0 {
		fallback = config.DefaultFallbackUnitCost
	}
	return fallback, nil
}
