package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

// DBController keeps the running flag in the resources table. Hosting the
// workers themselves belongs to a separate runtime that watches that flag.
type DBController struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewController(p Params) domain.Controller {
	return &DBController{
		db:    p.DB,
		log:   p.Log.Named("resource.controller"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (c *DBController) Pause(ctx context.Context, resourceID snowflake.ID) error {
	return c.setRunning(ctx, resourceID, false)
}

func (c *DBController) Resume(ctx context.Context, resourceID snowflake.ID) error {
	return c.setRunning(ctx, resourceID, true)
}

func (c *DBController) setRunning(ctx context.Context, resourceID snowflake.ID, running bool) error {
	affected, err := c.repo.SetRunning(ctx, c.db, resourceID, running, c.clock.Now())
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	c.log.Debug("resource running flag set",
		zap.String("resource_id", resourceID.String()),
		zap.Bool("running", running),
	)
	return nil
}

func (c *DBController) TeardownAll(ctx context.Context, accountID snowflake.ID) (int, error) {
	removed, err := c.repo.DeleteByAccount(ctx, c.db, accountID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.log.Info("resources torn down",
			zap.String("account_id", accountID.String()),
			zap.Int64("count", removed),
		)
	}
	return int(removed), nil
}
