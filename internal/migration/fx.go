package migration

import (
	"context"

	"github.com/smallbiznis/fiscaldoc/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	"github.com/smallbiznis/fiscaldoc/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, plans plandomain.Service, ledger ledgerdomain.Service, log *zap.Logger) error {
		if err := Migrate(conn); err != nil {
			return err
		}
		return seed.Run(context.Background(), conn, cfg, plans, ledger, log)
	}),
)
