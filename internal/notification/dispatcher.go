package notification

import (
	"context"

	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Notifier   Notifier
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher sends events after the producing transaction has committed.
// A failed delivery is logged and counted, never returned.
type Dispatcher struct {
	log        *zap.Logger
	notifier   Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		log:        p.Log.Named("notification.dispatcher"),
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, events ...Event) {
	if d == nil || d.notifier == nil {
		return
	}
	for _, event := range events {
		if err := d.notifier.Notify(ctx, event); err != nil {
			d.obsMetrics.RecordNotificationFailure(string(event.Type))
			d.log.Warn("notification delivery failed",
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.String("account_id", event.AccountID.String()),
				zap.Error(err),
			)
		}
	}
}
