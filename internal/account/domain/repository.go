package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	UpdateProfile(ctx context.Context, db *gorm.DB, id snowflake.ID, username, firstName string, updatedAt time.Time) error
	UpdateSubscribed(ctx context.Context, db *gorm.DB, id snowflake.ID, subscribed bool, updatedAt time.Time) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Account, error)
	ListSweepCandidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]SweepCandidate, error)
	CountReferred(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) (int64, error)
}
