package erp

import (
	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/adapters"
	"github.com/smallbiznis/cashup/internal/erp/adapters/netsuite"
	"github.com/smallbiznis/cashup/internal/erp/adapters/quickbooks"
	"github.com/smallbiznis/cashup/internal/erp/adapters/sandbox"
	"github.com/smallbiznis/cashup/internal/erp/adapters/sapecc"
	"github.com/smallbiznis/cashup/internal/erp/service"
	"go.uber.org/fx"
)

// Module wires the connector registry and the facade all posting and
// fetching flows go through.
var Module = fx.Module("erp",
	fx.Provide(
		provideRegistry,
		service.Provide,
	),
)

func provideRegistry(cfg config.Config) (*adapters.Registry, error) {
	factories := []adapters.Factory{
		sandbox.NewFactory(),
		netsuite.NewFactory(),
		sapecc.NewFactory(),
		quickbooks.NewFactory(),
	}
	return adapters.NewRegistry(factories, cfg.ERP.Systems)
}
