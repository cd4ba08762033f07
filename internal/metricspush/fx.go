package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/dayledger/internal/config"
	statsdomain "github.com/smallbiznis/dayledger/internal/stats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

type Params struct {
	fx.In

	Lc       fx.Lifecycle
	Cfg      config.Config
	Log      *zap.Logger
	Pusher   Pusher `optional:"true"`
	StatsSvc statsdomain.Service
}

// Worker refreshes the business gauges from stats and pushes the combined
// registry on every tick.
type Worker struct {
	log      *zap.Logger
	pusher   Pusher
	stats    statsdomain.Service
	gauges   *BusinessGauges
	gatherer prometheus.Gatherer
}

func NewWorker(log *zap.Logger, pusher Pusher, stats statsdomain.Service) (*Worker, error) {
	registry := prometheus.NewRegistry()
	gauges, err := NewBusinessGauges(registry)
	if err != nil {
		return nil, err
	}
	return &Worker{
		log:      log.Named("metrics.push"),
		pusher:   pusher,
		stats:    stats,
		gauges:   gauges,
		gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, registry},
	}, nil
}

// PushOnce never returns a stats failure; the process counters are still pushed.
func (w *Worker) PushOnce(ctx context.Context) error {
	if daily, err := w.stats.Daily(ctx); err != nil {
		w.log.Warn("failed to refresh business gauges", zap.Error(err))
	} else {
		w.gauges.Update(daily)
	}
	return w.pusher.Push(ctx, w.gatherer)
}

func (w *Worker) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
		if err := w.PushOnce(pushCtx); err != nil {
			w.log.Warn("metrics push failed", zap.Error(err))
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func Register(p Params) error {
	if p.Pusher == nil {
		return nil
	}
	worker, err := NewWorker(p.Log, p.Pusher, p.StatsSvc)
	if err != nil {
		return err
	}
	interval := p.Cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Log.Info("starting metrics push worker", zap.Duration("interval", interval))
			go worker.run(ctx, interval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return nil
}
