package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cashup/internal/audit"
	"github.com/smallbiznis/cashup/internal/clock"
	"github.com/smallbiznis/cashup/internal/communicator"
	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp"
	"github.com/smallbiznis/cashup/internal/extract"
	"github.com/smallbiznis/cashup/internal/invoice"
	"github.com/smallbiznis/cashup/internal/match"
	"github.com/smallbiznis/cashup/internal/metricspush"
	"github.com/smallbiznis/cashup/internal/migration"
	"github.com/smallbiznis/cashup/internal/observability"
	"github.com/smallbiznis/cashup/internal/orchestrator"
	"github.com/smallbiznis/cashup/internal/providers"
	"github.com/smallbiznis/cashup/internal/ratelimit"
	"github.com/smallbiznis/cashup/internal/server"
	"github.com/smallbiznis/cashup/internal/transaction"
	"github.com/smallbiznis/cashup/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional domains
		audit.Module,
		transaction.Module,
		invoice.Module,
		match.Module,
		extract.Module,
		erp.Module,
		providers.Module,
		communicator.Module,
		orchestrator.Module,
		metricspush.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
