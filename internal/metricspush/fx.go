package metricspush

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/cashup/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultPushInterval = 15 * time.Second

// Module wires the KPI exporter. The registry is private to this
// package; the record functions are the only write path into it.
var Module = fx.Module("metricspush",
	fx.Provide(NewPusher),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, cfg config.Config, pusher Pusher, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	setRecorder(&recorder{metrics: newKPIMetrics(registry)})

	interval := cfg.Push.Interval
	if interval <= 0 {
		interval = defaultPushInterval
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var failing atomic.Bool

	pushOnce := func(ctx context.Context) {
		pushCtx, pushCancel := context.WithTimeout(ctx, defaultPushTimeout)
		defer pushCancel()
		if err := pusher.Push(pushCtx, registry); err != nil {
			// Log the first failure of a streak, not every tick.
			if failing.CompareAndSwap(false, true) {
				logger.Warn("kpi push failed", zap.Error(err))
			}
			return
		}
		failing.Store(false)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						pushOnce(loopCtx)
					case <-loopCtx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			// Final push so shutdown does not lose the last interval.
			pushOnce(ctx)
			return nil
		},
	})
}
