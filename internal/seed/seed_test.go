package seed_test

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/fiscaldoc/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/fiscaldoc/internal/ledger/service"
	"github.com/smallbiznis/fiscaldoc/internal/migration"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	planrepo "github.com/smallbiznis/fiscaldoc/internal/plan/repository"
	planservice "github.com/smallbiznis/fiscaldoc/internal/plan/service"
	"github.com/smallbiznis/fiscaldoc/internal/seed"
	"github.com/smallbiznis/fiscaldoc/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunSeedsPlansAndOperatorWallet(t *testing.T) {
	conn := dbtest.Open(t)
	require.NoError(t, migration.Migrate(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	plans := planservice.NewService(planservice.Params{DB: conn, Log: log, GenID: node, Repo: planrepo.Provide()})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, GenID: node, Repo: ledgerrepo.Provide()})

	cfg := config.Config{OperatorID: 42}
	ctx := context.Background()

	require.NoError(t, seed.Run(ctx, conn, cfg, plans, ledger, log))
	require.NoError(t, seed.Run(ctx, conn, cfg, plans, ledger, log))

	list, err := plans.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, len(plandomain.Defaults))

	var wallets int64
	require.NoError(t, conn.Model(&ledgerdomain.Wallet{}).Count(&wallets).Error)
	assert.Equal(t, int64(1), wallets)

	balance, err := ledger.Balance(ctx, ledgerdomain.OperatorWallet(42))
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestRunRequiresOperator(t *testing.T) {
	err := seed.Run(context.Background(), dbtest.Open(t), config.Config{}, nil, nil, zap.NewNop())
	assert.ErrorIs(t, err, seed.ErrOperatorNotConfigured)
}
