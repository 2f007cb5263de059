package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/fiscaldoc/internal/audit/domain"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/fiscaldoc/pkg/db"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&organizationdomain.Company{},
		&organizationdomain.Member{},
		&ledgerdomain.Wallet{},
		&ledgerdomain.LedgerTransaction{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&documentdomain.Document{},
		&auditdomain.AuditLog{},
	}
}

// Migrate applies the embedded SQL migrations on postgres. Other dialects
// (sqlite for local runs, mysql) fall back to gorm AutoMigrate.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if pkgdb.IsSQLite(conn) || conn.Dialector.Name() != "postgres" {
		return conn.AutoMigrate(Models()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
