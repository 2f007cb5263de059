package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/fiscaldoc/internal/audit/domain"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	"github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	"github.com/smallbiznis/fiscaldoc/internal/provisioning"
	pkgdb "github.com/smallbiznis/fiscaldoc/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Cfg         config.Config
	Repo        domain.Repository
	Ledger      ledgerdomain.Service
	GenID       *snowflake.Node
	Clock       clock.Clock              `optional:"true"`
	AuditSvc    auditdomain.Service      `optional:"true"`
	Provisioner provisioning.Provisioner `optional:"true"`
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	repo        domain.Repository
	ledger      ledgerdomain.Service
	genID       *snowflake.Node
	clock       clock.Clock
	auditSvc    auditdomain.Service
	provisioner provisioning.Provisioner
	operatorID  snowflake.ID
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &service{
		db:          p.DB,
		log:         p.Log.Named("organization.service"),
		repo:        p.Repo,
		ledger:      p.Ledger,
		genID:       p.GenID,
		clock:       clk,
		auditSvc:    p.AuditSvc,
		provisioner: p.Provisioner,
		operatorID:  snowflake.ID(p.Cfg.OperatorID),
	}
}

func (s *service) CreateCompany(ctx context.Context, req domain.CreateCompanyRequest) (*domain.CompanyResponse, error) {
	if req.OwnerUserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	now := s.clock.Now()
	company := domain.Company{
		ID:        s.genID.Generate(),
		Name:      name,
		Slug:      slug.Make(name),
		TaxID:     strings.TrimSpace(req.TaxID),
		Status:    domain.CompanyStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	owner := domain.Member{
		ID:        s.genID.Generate(),
		CompanyID: company.ID,
		UserID:    req.OwnerUserID,
		Name:      strings.TrimSpace(req.OwnerName),
		Email:     strings.TrimSpace(req.OwnerEmail),
		Role:      domain.RoleOwner,
		CreatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateCompany(ctx, company); err != nil {
			return err
		}
		if err := repo.AddMember(ctx, owner); err != nil {
			return err
		}
		if _, err := s.ledger.OpenWalletTx(ctx, tx, ledgerdomain.CompanyWallet(company.ID)); err != nil {
			return err
		}
		_, err := s.ledger.OpenWalletTx(ctx, tx, ledgerdomain.UserWallet(owner.UserID))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, company.ID, req.OwnerUserID, auditdomain.ActionCompanyCreated, "company", company.ID.String(), map[string]any{
		"name": company.Name,
	})

	return &domain.CompanyResponse{Company: company, Owner: owner}, nil
}

func (s *service) GetCompany(ctx context.Context, id snowflake.ID) (*domain.Company, error) {
	if id == 0 {
		return nil, domain.ErrInvalidCompany
	}
	company, err := s.repo.GetCompany(ctx, id)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, domain.ErrCompanyNotFound
	}
	return company, nil
}

func (s *service) Verify(ctx context.Context, id snowflake.ID) (*domain.Company, error) {
	company, err := s.GetCompany(ctx, id)
	if err != nil {
		return nil, err
	}
	switch company.Status {
	case domain.CompanyStatusVerified:
		return company, nil
	case domain.CompanyStatusDeleted:
		return nil, domain.ErrCompanyDeleted
	}

	updated, err := s.repo.UpdateStatus(ctx, id, []domain.CompanyStatus{domain.CompanyStatusPending}, domain.CompanyStatusVerified, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if updated {
		s.audit(ctx, id, 0, auditdomain.ActionCompanyVerified, "company", id.String(), nil)
	}
	return s.GetCompany(ctx, id)
}

func (s *service) AddMember(ctx context.Context, req domain.AddMemberRequest) (*domain.Member, error) {
	if req.CompanyID == 0 {
		return nil, domain.ErrInvalidCompany
	}
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	role := domain.Role(strings.ToUpper(strings.TrimSpace(string(req.Role))))
	if role == "" {
		role = domain.RoleCollaborator
	}
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}

	company, err := s.GetCompany(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	if company.Status == domain.CompanyStatusDeleted {
		return nil, domain.ErrCompanyDeleted
	}

	member := domain.Member{
		ID:        s.genID.Generate(),
		CompanyID: req.CompanyID,
		UserID:    req.UserID,
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Role:      role,
		CreatedAt: s.clock.Now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.GetMember(ctx, req.CompanyID, req.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrMemberExists
		}

		limit, err := repo.ActiveSeatLimit(ctx, req.CompanyID)
		if err != nil {
			return err
		}
		if limit > 0 {
			count, err := repo.CountMembers(ctx, req.CompanyID)
			if err != nil {
				return err
			}
			if count >= int64(limit) {
				return domain.ErrSeatLimitReached
			}
		}

		if err := repo.AddMember(ctx, member); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return domain.ErrMemberExists
			}
			return err
		}
		_, err = s.ledger.OpenWalletTx(ctx, tx, ledgerdomain.UserWallet(member.UserID))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, req.CompanyID, 0, auditdomain.ActionMemberAdded, "member", member.UserID.String(), map[string]any{
		"role": string(member.Role),
	})
	return &member, nil
}

func (s *service) GetMember(ctx context.Context, companyID, userID snowflake.ID) (*domain.Member, error) {
	if companyID == 0 {
		return nil, domain.ErrInvalidCompany
	}
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}
	member, err := s.repo.GetMember(ctx, companyID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, domain.ErrMemberNotFound
	}
	return member, nil
}

func (s *service) ListMembers(ctx context.Context, companyID snowflake.ID) ([]domain.Member, error) {
	if companyID == 0 {
		return nil, domain.ErrInvalidCompany
	}
	return s.repo.ListMembers(ctx, companyID)
}

func (s *service) TopUp(ctx context.Context, req domain.TopUpRequest) (*domain.TopUpResponse, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	company, err := s.GetCompany(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	if company.Status == domain.CompanyStatusDeleted {
		return nil, domain.ErrCompanyDeleted
	}

	owner := ledgerdomain.CompanyWallet(company.ID)
	if req.UserID != 0 {
		if _, err := s.GetMember(ctx, company.ID, req.UserID); err != nil {
			return nil, err
		}
		owner = ledgerdomain.UserWallet(req.UserID)
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "manual top-up"
	}
	result, err := s.ledger.Credit(ctx, ledgerdomain.CreditRequest{
		Owner:         owner,
		Amount:        req.Amount,
		Kind:          ledgerdomain.KindCredit,
		Description:   description,
		ReferenceType: ledgerdomain.ReferenceTopUp,
		ReferenceID:   company.ID.String(),
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, company.ID, req.ActingUserID, auditdomain.ActionWalletTopUp, "wallet", owner.String(), map[string]any{
		"amount":  req.Amount,
		"balance": result.Balance,
	})
	return &domain.TopUpResponse{
		TransactionID: result.TransactionID.String(),
		Balance:       result.Balance,
	}, nil
}

// DeleteCompany moves the remaining company balance to the operator wallet,
// cancels open subscriptions and marks the company DELETED in one transaction.
// Workflows of the cancelled subscriptions are removed after commit.
func (s *service) DeleteCompany(ctx context.Context, companyID snowflake.ID, actingUserID snowflake.ID) (*domain.DeleteCompanyResponse, error) {
	company, err := s.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if company.Status == domain.CompanyStatusDeleted {
		return nil, domain.ErrCompanyDeleted
	}

	var (
		swept       int64
		workflowIDs []string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.clock.Now()

		operator := ledgerdomain.OperatorWallet(s.operatorID)
		if _, err := s.ledger.OpenWalletTx(ctx, tx, operator); err != nil {
			return err
		}
		amount, err := s.ledger.SweepTx(ctx, tx,
			ledgerdomain.CompanyWallet(companyID),
			operator,
			"refund of remaining balance on company deletion",
			ledgerdomain.ReferenceCompany,
			companyID.String(),
		)
		if err != nil && !errors.Is(err, ledgerdomain.ErrWalletNotFound) {
			return err
		}
		swept = amount

		workflowIDs, err = repo.CancelSubscriptions(ctx, companyID, now)
		if err != nil {
			return err
		}
		updated, err := repo.UpdateStatus(ctx, companyID,
			[]domain.CompanyStatus{domain.CompanyStatusPending, domain.CompanyStatusVerified},
			domain.CompanyStatusDeleted,
			now,
		)
		if err != nil {
			return err
		}
		if !updated {
			return domain.ErrCompanyDeleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deprovision(ctx, companyID, workflowIDs)

	s.log.Info("company deleted", zap.String("company_id", companyID.String()), zap.Int64("swept", swept))
	s.audit(ctx, companyID, actingUserID, auditdomain.ActionCompanyDeleted, "company", companyID.String(), map[string]any{
		"swept_total": swept,
	})
	return &domain.DeleteCompanyResponse{CompanyID: companyID.String(), SweptTotal: swept}, nil
}

func (s *service) deprovision(ctx context.Context, companyID snowflake.ID, workflowIDs []string) {
	if s.provisioner == nil {
		return
	}
	for _, workflowID := range workflowIDs {
		if err := s.provisioner.Deprovision(ctx, workflowID); err != nil {
			s.log.Warn("failed to deprovision workflow of deleted company",
				zap.String("company_id", companyID.String()),
				zap.String("workflow_id", workflowID),
				zap.Error(err),
			)
		}
	}
}

func (s *service) audit(ctx context.Context, companyID snowflake.ID, actingUserID snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
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
	if err := s.auditSvc.AuditLog(ctx, &companyID, actorType, actorID, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
