package migration

import (
	auditdomain "github.com/smallbiznis/cashup/internal/audit/domain"
	commdomain "github.com/smallbiznis/cashup/internal/communicator/domain"
	"github.com/smallbiznis/cashup/internal/config"
	extractdomain "github.com/smallbiznis/cashup/internal/extract/domain"
	invdomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	matchdomain "github.com/smallbiznis/cashup/internal/match/domain"
	orchdomain "github.com/smallbiznis/cashup/internal/orchestrator/domain"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Postgres gets versioned SQL migrations. Other dialects
		// (sqlite for dev and tests, mysql) are schema-managed by
		// gorm because golang-migrate's DDL here is postgres-only.
		if cfg.DB.Driver == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		return conn.AutoMigrate(
			&txndomain.PaymentTransaction{},
			&invdomain.Invoice{},
			&matchdomain.MatchResult{},
			&matchdomain.InvoicePaymentMatch{},
			&commdomain.CommunicationEvent{},
			&auditdomain.Event{},
			&orchdomain.Workflow{},
			&extractdomain.ParseRecord{},
		)
	}),
)
