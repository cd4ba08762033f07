package providers

import (
	"github.com/smallbiznis/dayledger/internal/payment"
	"github.com/smallbiznis/dayledger/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	payment.Module,
	pdf.Module,
)
