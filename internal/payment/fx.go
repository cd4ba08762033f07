package payment

import (
	"github.com/smallbiznis/dayledger/internal/payment/adapters"
	"github.com/smallbiznis/dayledger/internal/payment/adapters/stars"
	"github.com/smallbiznis/dayledger/internal/payment/adapters/tbank"
	"github.com/smallbiznis/dayledger/internal/payment/repository"
	paymentservice "github.com/smallbiznis/dayledger/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			tbank.NewFactory(),
			stars.NewFactory(),
		)
	}),
	fx.Provide(paymentservice.NewService),
)
