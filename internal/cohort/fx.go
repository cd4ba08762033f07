package cohort

import (
	"github.com/smallbiznis/dayledger/internal/cohort/service"
	"go.uber.org/fx"
)

var Module = fx.Module("cohort.service",
	fx.Provide(service.NewService),
)
