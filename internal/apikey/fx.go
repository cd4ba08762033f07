package apikey

import (
	"context"

	"github.com/smallbiznis/dayledger/internal/apikey/domain"
	"github.com/smallbiznis/dayledger/internal/apikey/repository"
	"github.com/smallbiznis/dayledger/internal/apikey/service"
	"github.com/smallbiznis/dayledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(registerBootstrap),
)

func registerBootstrap(lc fx.Lifecycle, cfg config.Config, svc domain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.EnsureBootstrap(ctx, cfg.Auth.BootstrapAPIKey)
		},
	})
}
