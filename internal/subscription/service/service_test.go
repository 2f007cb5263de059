package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/fiscaldoc/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/fiscaldoc/internal/ledger/service"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	organizationrepository "github.com/smallbiznis/fiscaldoc/internal/organization/repository"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	planrepository "github.com/smallbiznis/fiscaldoc/internal/plan/repository"
	planservice "github.com/smallbiznis/fiscaldoc/internal/plan/service"
	"github.com/smallbiznis/fiscaldoc/internal/provisioning"
	provisioningmock "github.com/smallbiznis/fiscaldoc/internal/provisioning/mock"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	"github.com/smallbiznis/fiscaldoc/internal/subscription/repository"
	"github.com/smallbiznis/fiscaldoc/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc         *Service
	db          *gorm.DB
	ledger      ledgerdomain.Service
	clock       *clock.FakeClock
	provisioner *provisioningmock.MockProvisioner
	node        *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t,
		&ledgerdomain.Wallet{},
		&ledgerdomain.LedgerTransaction{},
		&organizationdomain.Company{},
		&organizationdomain.Member{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepository.Provide(),
		Clock: clk,
	})
	plans := planservice.NewService(planservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  planrepository.Provide(),
	})
	require.NoError(t, plans.EnsureDefaults(context.Background()))

	ctrl := gomock.NewController(t)
	provisioner := provisioningmock.NewMockProvisioner(ctrl)

	svc := NewService(ServiceParam{
		DB:          conn,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        repository.Provide(),
		Ledger:      ledger,
		Plans:       plans,
		Companies:   organizationrepository.NewRepository(conn),
		Provisioner: provisioner,
		Clock:       clk,
	}).(*Service)

	return &fixture{svc: svc, db: conn, ledger: ledger, clock: clk, provisioner: provisioner, node: node}
}

func (f *fixture) company(t *testing.T, status organizationdomain.CompanyStatus, balance int64) snowflake.ID {
	t.Helper()
	ctx := context.Background()
	id := f.node.Generate()
	now := f.clock.Now()
	require.NoError(t, organizationrepository.NewRepository(f.db).CreateCompany(ctx, organizationdomain.Company{
		ID:        id,
		Name:      "Acme " + id.String(),
		Slug:      "acme-" + id.String(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	_, err := f.ledger.OpenWalletTx(ctx, f.db, ledgerdomain.CompanyWallet(id))
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.Credit(ctx, ledgerdomain.CreditRequest{Owner: ledgerdomain.CompanyWallet(id), Amount: balance})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) balance(t *testing.T, companyID snowflake.ID) int64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), ledgerdomain.CompanyWallet(companyID))
	require.NoError(t, err)
	return balance
}

func (f *fixture) subscriptions(t *testing.T, companyID snowflake.ID) []subscriptiondomain.Subscription {
	t.Helper()
	var items []subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("company_id = ?", companyID).Order("created_at ASC, id ASC").Find(&items).Error)
	return items
}

func (f *fixture) expectProvision(workflowID string) {
	f.provisioner.EXPECT().
		Provision(gomock.Any(), gomock.Any()).
		Return(&provisioning.Workflow{ID: workflowID, WebhookURL: "https://hooks.example.com/" + workflowID}, nil)
}

func TestActivateChargesAndCreditsBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 200)
	f.expectProvision("wf-1")

	resp, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "professional"})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, resp.Subscription.Status)
	assert.Equal(t, int64(100), resp.Balance)
	assert.Equal(t, int64(50), resp.Subscription.BonusCredited)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), resp.Subscription.ExpiresAt)
	assert.Nil(t, resp.Superseded)
	assert.Equal(t, int64(100), f.balance(t, companyID))

	active, err := f.svc.GetActive(ctx, companyID)
	require.NoError(t, err)
	require.NotNil(t, active.WorkflowID)
	assert.Equal(t, "wf-1", *active.WorkflowID)
	require.NotNil(t, active.WebhookURL)
	assert.Equal(t, "https://hooks.example.com/wf-1", *active.WebhookURL)
}

func TestActivateRequiresVerifiedCompany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusPending, 500)

	_, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "starter"})
	assert.ErrorIs(t, err, organizationdomain.ErrCompanyNotVerified)
	assert.Equal(t, int64(500), f.balance(t, companyID))
	assert.Empty(t, f.subscriptions(t, companyID))

	_, err = f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: f.node.Generate(), PlanSlug: "starter"})
	assert.Error(t, err)

	_, err = f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "platinum"})
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)

	_, err = f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{PlanSlug: "starter"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidCompany)
}

func TestActivateInsufficientFundsRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 100)
	f.expectProvision("wf-starter")

	_, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "starter"})
	require.NoError(t, err)
	require.Equal(t, int64(50), f.balance(t, companyID))

	_, err = f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "professional"})
	require.Error(t, err)
	insufficient, ok := ledgerdomain.AsInsufficientFunds(err)
	require.True(t, ok)
	assert.Equal(t, int64(150), insufficient.Required)
	assert.Equal(t, int64(50), insufficient.Available)

	assert.Equal(t, int64(50), f.balance(t, companyID))
	items := f.subscriptions(t, companyID)
	require.Len(t, items, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, items[0].Status)
	assert.Equal(t, "starter", items[0].PlanSlug)
}

func TestActivateReplacesPriorSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 300)
	f.expectProvision("wf-old")

	first, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "starter"})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	f.expectProvision("wf-new")
	f.provisioner.EXPECT().Deprovision(gomock.Any(), "wf-old").Return(nil)

	second, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "professional"})
	require.NoError(t, err)
	require.NotNil(t, second.Superseded)
	assert.Equal(t, first.Subscription.ID, second.Superseded.ID)
	assert.Equal(t, int64(300-50-150+50), second.Balance)

	var active int
	for _, item := range f.subscriptions(t, companyID) {
		if item.Status == subscriptiondomain.SubscriptionStatusActive {
			active++
			assert.Equal(t, second.Subscription.ID, item.ID)
		}
		if item.ID == first.Subscription.ID {
			assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, item.Status)
			assert.NotNil(t, item.CancelledAt)
		}
	}
	assert.Equal(t, 1, active)
}

func TestActivateCompensatesFailedProvisioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 160)
	f.provisioner.EXPECT().
		Provision(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("workflow engine unavailable"))

	_, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "professional"})
	require.Error(t, err)
	assert.ErrorIs(t, err, subscriptiondomain.ErrProvisioningFailed)

	var provErr *subscriptiondomain.ProvisioningError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, int64(150), provErr.Refunded)

	assert.Equal(t, int64(160), f.balance(t, companyID))
	items := f.subscriptions(t, companyID)
	require.Len(t, items, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusProvisioningFailed, items[0].Status)
	require.NotNil(t, items[0].FailureReason)
	assert.Contains(t, *items[0].FailureReason, "workflow engine unavailable")

	_, err = f.svc.GetActive(ctx, companyID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestCompensationClampsBonusReversalToBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, planrepository.Provide().Upsert(ctx, f.db, &plandomain.Plan{
		ID:           f.node.Generate(),
		Slug:         "promo",
		Name:         "Promo",
		MonthlyCost:  10,
		AnalysisCost: 1,
		WelcomeBonus: 100,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 10)

	// The bonus is spent while the workflow is being provisioned.
	f.provisioner.EXPECT().
		Provision(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ provisioning.Request) (*provisioning.Workflow, error) {
			_, err := f.ledger.Debit(ctx, ledgerdomain.DebitRequest{Owner: ledgerdomain.CompanyWallet(companyID), Amount: 100})
			require.NoError(t, err)
			return nil, errors.New("timeout")
		})

	_, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "promo"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrProvisioningFailed)
	assert.Equal(t, int64(0), f.balance(t, companyID))
}

func TestProcessRenewalsSuspendsAndReactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 200)
	f.expectProvision("wf-1")

	resp, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "professional"})
	require.NoError(t, err)
	require.Equal(t, int64(100), resp.Balance)

	report, err := f.svc.ProcessRenewals(ctx, f.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)

	f.clock.Advance(31 * 24 * time.Hour)
	report, err = f.svc.ProcessRenewals(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suspended)
	assert.Equal(t, int64(100), f.balance(t, companyID))

	items := f.subscriptions(t, companyID)
	require.Len(t, items, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusSuspended, items[0].Status)

	// The same sweep does not pick the row up again.
	report, err = f.svc.ProcessRenewals(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)

	// A later sweep without new credits leaves the suspension in place.
	f.clock.Advance(time.Minute)
	report, err = f.svc.ProcessRenewals(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)

	_, err = f.ledger.Credit(ctx, ledgerdomain.CreditRequest{Owner: ledgerdomain.CompanyWallet(companyID), Amount: 100})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	report, err = f.svc.ProcessRenewals(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reactivated)
	assert.Equal(t, int64(50), f.balance(t, companyID))

	active, err := f.svc.GetActive(ctx, companyID)
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock.Now().Add(30*24*time.Hour), active.ExpiresAt, 0)
	assert.Nil(t, active.SuspendedAt)
}

func TestProcessRenewalsReachesActiveBehindUnfundedSuspensions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broke := []snowflake.ID{
		f.company(t, organizationdomain.CompanyStatusVerified, 150),
		f.company(t, organizationdomain.CompanyStatusVerified, 150),
	}
	funded := f.company(t, organizationdomain.CompanyStatusVerified, 1000)

	for i, companyID := range append(append([]snowflake.ID{}, broke...), funded) {
		f.expectProvision(fmt.Sprintf("wf-%d", i))
		_, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "professional"})
		require.NoError(t, err)
	}
	require.Equal(t, int64(50), f.balance(t, broke[0]))

	f.clock.Advance(31 * 24 * time.Hour)
	report, err := f.svc.ProcessRenewals(ctx, f.clock.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Suspended)

	// Next tick: both suspensions are due again, but the ACTIVE row goes first.
	f.clock.Advance(time.Hour)
	now := f.clock.Now()
	report, err = f.svc.ProcessRenewals(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, int64(750), f.balance(t, funded))

	active, err := f.svc.GetActive(ctx, funded)
	require.NoError(t, err)
	assert.True(t, active.ExpiresAt.After(now))

	report, err = f.svc.ProcessRenewals(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Unchanged)

	report, err = f.svc.ProcessRenewals(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)

	for _, companyID := range broke {
		items := f.subscriptions(t, companyID)
		require.Len(t, items, 1)
		assert.Equal(t, subscriptiondomain.SubscriptionStatusSuspended, items[0].Status)
	}
}

func TestProcessRenewalsExtendsFromPreviousExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 100)
	f.expectProvision("wf-1")

	resp, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "starter"})
	require.NoError(t, err)
	expires := resp.Subscription.ExpiresAt

	f.clock.Set(expires.Add(2 * time.Hour))
	report, err := f.svc.ProcessRenewals(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, int64(0), f.balance(t, companyID))

	active, err := f.svc.GetActive(ctx, companyID)
	require.NoError(t, err)
	assert.WithinDuration(t, expires.Add(30*24*time.Hour), active.ExpiresAt, 0)
	assert.NotNil(t, active.RenewedAt)
}

func TestCancelDeprovisionsWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.company(t, organizationdomain.CompanyStatusVerified, 100)
	f.expectProvision("wf-1")

	_, err := f.svc.Activate(ctx, subscriptiondomain.ActivateRequest{CompanyID: companyID, PlanSlug: "starter"})
	require.NoError(t, err)

	f.provisioner.EXPECT().Deprovision(gomock.Any(), "wf-1").Return(nil)
	cancelled, err := f.svc.Cancel(ctx, companyID, 0)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, companyID, 0)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	list, err := f.svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{CompanyID: companyID, Status: "cancelled"})
	require.NoError(t, err)
	require.Len(t, list.Subscriptions, 1)

	_, err = f.svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{CompanyID: companyID, Status: "bogus"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)
}
