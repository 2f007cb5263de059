package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/fiscaldoc/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/fiscaldoc/internal/ledger/service"
	"github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	"github.com/smallbiznis/fiscaldoc/internal/organization/repository"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	provisioningmock "github.com/smallbiznis/fiscaldoc/internal/provisioning/mock"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	"github.com/smallbiznis/fiscaldoc/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const operatorID = 1

type fixture struct {
	svc         domain.Service
	db          *gorm.DB
	ledger      ledgerdomain.Service
	node        *snowflake.Node
	clock       *clock.FakeClock
	provisioner *provisioningmock.MockProvisioner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t,
		&domain.Company{},
		&domain.Member{},
		&ledgerdomain.Wallet{},
		&ledgerdomain.LedgerTransaction{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepository.Provide(),
		Clock: clk,
	})
	provisioner := provisioningmock.NewMockProvisioner(gomock.NewController(t))
	svc := NewService(Params{
		DB:          conn,
		Log:         zap.NewNop(),
		Cfg:         config.Config{OperatorID: operatorID},
		Repo:        repository.NewRepository(conn),
		Ledger:      ledger,
		GenID:       node,
		Clock:       clk,
		Provisioner: provisioner,
	})
	return &fixture{svc: svc, db: conn, ledger: ledger, node: node, clock: clk, provisioner: provisioner}
}

func (f *fixture) createCompany(t *testing.T, owner snowflake.ID) domain.Company {
	t.Helper()
	resp, err := f.svc.CreateCompany(context.Background(), domain.CreateCompanyRequest{
		Name:        "Padaria Sao Jorge",
		OwnerUserID: owner,
		OwnerName:   "Ana",
		OwnerEmail:  "ana@example.com",
	})
	require.NoError(t, err)
	return resp.Company
}

// activate inserts an ACTIVE subscription on a plan with the given seat limit.
func (f *fixture) activate(t *testing.T, companyID snowflake.ID, seatLimit int) {
	t.Helper()
	now := f.clock.Now()
	plan := plandomain.Plan{
		ID:          f.node.Generate(),
		Slug:        "seats-" + companyID.String(),
		Name:        "Seats",
		MonthlyCost: 10,
		SeatLimit:   seatLimit,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.db.Create(&plan).Error)
	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:          f.node.Generate(),
		CompanyID:   companyID,
		PlanID:      plan.ID,
		PlanSlug:    plan.Slug,
		Status:      subscriptiondomain.SubscriptionStatusActive,
		MonthlyCost: plan.MonthlyCost,
		StartedAt:   now,
		ExpiresAt:   now.Add(30 * 24 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}).Error)
}

func TestCreateCompanyOpensWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	company := f.createCompany(t, 100)
	assert.Equal(t, domain.CompanyStatusPending, company.Status)
	assert.Equal(t, "padaria-sao-jorge", company.Slug)

	owner, err := f.svc.GetMember(ctx, company.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, owner.Role)

	_, err = f.ledger.Balance(ctx, ledgerdomain.CompanyWallet(company.ID))
	require.NoError(t, err)
	_, err = f.ledger.Balance(ctx, ledgerdomain.UserWallet(100))
	require.NoError(t, err)

	_, err = f.svc.CreateCompany(ctx, domain.CreateCompanyRequest{Name: " ", OwnerUserID: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidName)
	_, err = f.svc.CreateCompany(ctx, domain.CreateCompanyRequest{Name: "Acme"})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	company := f.createCompany(t, 100)

	verified, err := f.svc.Verify(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyStatusVerified, verified.Status)
	require.NotNil(t, verified.VerifiedAt)

	again, err := f.svc.Verify(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyStatusVerified, again.Status)

	_, err = f.svc.Verify(ctx, f.node.Generate())
	assert.ErrorIs(t, err, domain.ErrCompanyNotFound)
}

func TestAddMemberEnforcesSeatLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	company := f.createCompany(t, 100)
	f.activate(t, company.ID, 2)

	member, err := f.svc.AddMember(ctx, domain.AddMemberRequest{CompanyID: company.ID, UserID: 200, Role: "manager"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, member.Role)

	_, err = f.svc.AddMember(ctx, domain.AddMemberRequest{CompanyID: company.ID, UserID: 300})
	assert.ErrorIs(t, err, domain.ErrSeatLimitReached)

	_, err = f.svc.AddMember(ctx, domain.AddMemberRequest{CompanyID: company.ID, UserID: 200})
	assert.ErrorIs(t, err, domain.ErrMemberExists)

	_, err = f.svc.AddMember(ctx, domain.AddMemberRequest{CompanyID: company.ID, UserID: 400, Role: "auditor"})
	assert.ErrorIs(t, err, domain.ErrInvalidRole)

	members, err := f.svc.ListMembers(ctx, company.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = f.ledger.Balance(ctx, ledgerdomain.UserWallet(200))
	assert.NoError(t, err)
}

func TestAddMemberWithoutSubscriptionIsUnlimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	company := f.createCompany(t, 100)

	for i := 1; i <= 5; i++ {
		member, err := f.svc.AddMember(ctx, domain.AddMemberRequest{CompanyID: company.ID, UserID: snowflake.ID(1000 + i)})
		require.NoError(t, err)
		assert.Equal(t, domain.RoleCollaborator, member.Role)
	}
}

func TestTopUpCreditsTargetWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	company := f.createCompany(t, 100)

	resp, err := f.svc.TopUp(ctx, domain.TopUpRequest{CompanyID: company.ID, Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(40), resp.Balance)

	resp, err = f.svc.TopUp(ctx, domain.TopUpRequest{CompanyID: company.ID, UserID: 100, Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.Balance)

	_, err = f.svc.TopUp(ctx, domain.TopUpRequest{CompanyID: company.ID, UserID: 999, Amount: 5})
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)

	_, err = f.svc.TopUp(ctx, domain.TopUpRequest{CompanyID: company.ID, Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestDeleteCompanySweepsBalanceAndCancelsSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	company := f.createCompany(t, 100)
	f.activate(t, company.ID, 0)
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).
		Where("company_id = ?", company.ID).
		Update("workflow_id", "wf-padaria").Error)
	f.provisioner.EXPECT().Deprovision(gomock.Any(), "wf-padaria").Return(nil).Times(1)

	_, err := f.svc.TopUp(ctx, domain.TopUpRequest{CompanyID: company.ID, Amount: 73})
	require.NoError(t, err)

	resp, err := f.svc.DeleteCompany(ctx, company.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(73), resp.SweptTotal)

	companyBalance, err := f.ledger.Balance(ctx, ledgerdomain.CompanyWallet(company.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(0), companyBalance)
	operatorBalance, err := f.ledger.Balance(ctx, ledgerdomain.OperatorWallet(operatorID))
	require.NoError(t, err)
	assert.Equal(t, int64(73), operatorBalance)

	var open int64
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).
		Where("company_id = ? AND status IN ?", company.ID, []string{"ACTIVE", "SUSPENDED"}).
		Count(&open).Error)
	assert.Zero(t, open)

	deleted, err := f.svc.GetCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyStatusDeleted, deleted.Status)

	_, err = f.svc.DeleteCompany(ctx, company.ID, 100)
	assert.ErrorIs(t, err, domain.ErrCompanyDeleted)
	_, err = f.svc.TopUp(ctx, domain.TopUpRequest{CompanyID: company.ID, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrCompanyDeleted)
}

func TestDeleteCompanySurvivesDeprovisionFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	company := f.createCompany(t, 100)
	f.activate(t, company.ID, 0)
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).
		Where("company_id = ?", company.ID).
		Update("workflow_id", "wf-down").Error)
	f.provisioner.EXPECT().Deprovision(gomock.Any(), "wf-down").Return(errors.New("engine unavailable"))

	_, err := f.svc.DeleteCompany(ctx, company.ID, 100)
	require.NoError(t, err)

	deleted, err := f.svc.GetCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyStatusDeleted, deleted.Status)
}
