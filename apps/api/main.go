package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/internal/account"
	"github.com/smallbiznis/dayledger/internal/apikey"
	"github.com/smallbiznis/dayledger/internal/audit"
	"github.com/smallbiznis/dayledger/internal/authorization"
	"github.com/smallbiznis/dayledger/internal/cache"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/cohort"
	"github.com/smallbiznis/dayledger/internal/config"
	"github.com/smallbiznis/dayledger/internal/ledger"
	"github.com/smallbiznis/dayledger/internal/lifecycle"
	"github.com/smallbiznis/dayledger/internal/notification"
	"github.com/smallbiznis/dayledger/internal/observability"
	"github.com/smallbiznis/dayledger/internal/providers"
	"github.com/smallbiznis/dayledger/internal/ratelimit"
	"github.com/smallbiznis/dayledger/internal/referral"
	"github.com/smallbiznis/dayledger/internal/resource"
	"github.com/smallbiznis/dayledger/internal/scheduler"
	"github.com/smallbiznis/dayledger/internal/server"
	"github.com/smallbiznis/dayledger/internal/stats"
	"github.com/smallbiznis/dayledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,
		notification.Module,

		audit.Module,
		ledger.Module,
		account.Module,
		resource.Module,
		lifecycle.Module,
		referral.Module,
		providers.Module,
		cohort.Module,
		stats.Module,

		// jobs are run on demand from the admin routes; the tick loop lives in apps/scheduler
		scheduler.Module,

		apikey.Module,
		authorization.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
