package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/audit"
	"github.com/smallbiznis/fiscaldoc/internal/authorization"
	"github.com/smallbiznis/fiscaldoc/internal/billing"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	"github.com/smallbiznis/fiscaldoc/internal/dispatch"
	"github.com/smallbiznis/fiscaldoc/internal/document"
	"github.com/smallbiznis/fiscaldoc/internal/ledger"
	"github.com/smallbiznis/fiscaldoc/internal/migration"
	"github.com/smallbiznis/fiscaldoc/internal/observability"
	"github.com/smallbiznis/fiscaldoc/internal/organization"
	"github.com/smallbiznis/fiscaldoc/internal/plan"
	"github.com/smallbiznis/fiscaldoc/internal/provisioning"
	"github.com/smallbiznis/fiscaldoc/internal/ratelimit"
	"github.com/smallbiznis/fiscaldoc/internal/scheduler"
	"github.com/smallbiznis/fiscaldoc/internal/server"
	"github.com/smallbiznis/fiscaldoc/internal/storage"
	"github.com/smallbiznis/fiscaldoc/internal/subscription"
	"github.com/smallbiznis/fiscaldoc/pkg/db"
	"go.uber.org/fx"
)

// The monolith serves the API and runs the scheduler in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		audit.Module,
		authorization.Module,
		ledger.Module,
		plan.Module,
		organization.Module,
		billing.Module,
		provisioning.Module,
		subscription.Module,
		storage.Module,
		dispatch.Module,
		document.Module,
		migration.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
