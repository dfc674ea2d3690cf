package communicator

import (
	"context"
	"time"

	"github.com/smallbiznis/cashup/internal/communicator/domain"
	"github.com/smallbiznis/cashup/internal/communicator/repository"
	"github.com/smallbiznis/cashup/internal/communicator/service"
	"github.com/smallbiznis/cashup/internal/communicator/templates"
	"github.com/smallbiznis/cashup/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const redeliveryInterval = 30 * time.Second

var Module = fx.Module("communicator",
	fx.Provide(
		provideRegistry,
		repository.Provide,
		service.New,
		func(s *service.Service) domain.Service { return s },
	),
	fx.Invoke(runRedelivery),
)

func provideRegistry(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*templates.Registry, error) {
	reg, err := templates.NewRegistry(cfg.Notify.TemplateDir, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return reg.Watch()
		},
		OnStop: func(context.Context) error {
			return reg.Close()
		},
	})
	return reg, nil
}

// runRedelivery drains queued communications in the background for the
// lifetime of the app.
func runRedelivery(lc fx.Lifecycle, svc *service.Service) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go svc.RunRedelivery(ctx, redeliveryInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
