package notification

import (
	"github.com/smallbiznis/dayledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewNotifier),
	fx.Provide(NewDispatcher),
)

// NewNotifier always logs, and also posts admin events when a webhook is configured.
func NewNotifier(cfg config.Config, log *zap.Logger) Notifier {
	notifiers := Fanout{NewLogNotifier(log)}
	if cfg.Notify.AdminWebhookURL != "" {
		notifiers = append(notifiers, NewWebhookNotifier(cfg.Notify.AdminWebhookURL, cfg.Notify.Timeout))
	}
	return notifiers
}
