package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListRequest struct {
	pagination.Pagination
	AccountID *snowflake.ID
	Action    string
	StartAt   *time.Time
	EndAt     *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Entries []AuditEntry `json:"entries"`
}

type ListFilter struct {
	AccountID *snowflake.ID
	Action    string
	StartAt   *time.Time
	EndAt     *time.Time
	BeforeID  snowflake.ID
	Limit     int
}

type Service interface {
	// Record writes an entry through tx so it commits with the mutation it
	// describes. A nil tx writes on its own.
	Record(ctx context.Context, tx *gorm.DB, accountID *snowflake.ID, action string, details map[string]any) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditEntry) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditEntry, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
