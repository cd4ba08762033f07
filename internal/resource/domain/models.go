package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"gorm.io/gorm"
)

// Resource is a dependent worker owned by an account.
type Resource struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;index:idx_resources_account" json:"account_id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Running   bool         `gorm:"not null;default:false" json:"running"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Resource) TableName() string { return "resources" }

// Controller drives the runtime side of dependent resources.
type Controller interface {
	Pause(ctx context.Context, resourceID snowflake.ID) error
	Resume(ctx context.Context, resourceID snowflake.ID) error
	TeardownAll(ctx context.Context, accountID snowflake.ID) (int, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, resource *Resource) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Resource, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Resource, error)
	Count(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)
	CountAll(ctx context.Context, db *gorm.DB) (int64, error)
	SetRunning(ctx context.Context, db *gorm.DB, id snowflake.ID, running bool, updatedAt time.Time) (int64, error)
	DeleteByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)
}

var ErrNotFound = ledgerdomain.NewError(ledgerdomain.KindNotFound, "resource_not_found")
