// Package seed bootstraps the reference data every deployment needs: the
// built-in plan tiers and the operator wallet that absorbs balances swept
// from deleted companies.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrOperatorNotConfigured = errors.New("seed: operator id is required")

// Run is idempotent and safe to call on every startup.
func Run(ctx context.Context, db *gorm.DB, cfg config.Config, plans plandomain.Service, ledger ledgerdomain.Service, log *zap.Logger) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if cfg.OperatorID <= 0 {
		return ErrOperatorNotConfigured
	}

	if err := plans.EnsureDefaults(ctx); err != nil {
		return err
	}

	operator := ledgerdomain.OperatorWallet(snowflake.ID(cfg.OperatorID))
	wallet, err := ledger.OpenWalletTx(ctx, db, operator)
	if err != nil {
		return err
	}

	log.Named("seed").Info("reference data ready",
		zap.Int("plans", len(plandomain.Defaults)),
		zap.String("operator_wallet", wallet.ID.String()),
	)
	return nil
}
