package orchestrator

import (
	"context"

	"github.com/smallbiznis/cashup/internal/orchestrator/domain"
	"github.com/smallbiznis/cashup/internal/orchestrator/repository"
	"github.com/smallbiznis/cashup/internal/orchestrator/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the workflow engine. On start it re-enqueues unfinished
// workflows from the database; on stop it drains running workflows to
// their next step boundary.
var Module = fx.Module("orchestrator",
	fx.Provide(
		repository.Provide,
		service.New,
		func(s *service.Service) domain.Service { return s },
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, svc *service.Service, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			count, err := svc.Resume(ctx)
			if err != nil {
				// Recovery failures must not block startup; unfinished
				// workflows are picked up again on the next boot.
				log.Warn("workflow recovery scan failed", zap.Error(err))
				return nil
			}
			if count > 0 {
				log.Info("workflow recovery scheduled", zap.Int("workflows", count))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return svc.Drain(ctx)
		},
	})
}
