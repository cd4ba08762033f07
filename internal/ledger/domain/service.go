package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type TransactionPage struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

// Service owns every balance mutation. Each call is one atomic unit: the
// balance update, its transaction row and its audit row commit together.
type Service interface {
	// WithTx binds the service to an outer transaction. Operations then run
	// inside tx without retry, and the caller owns commit. The caller must
	// call InvalidateStatus for the touched accounts once tx has committed.
	WithTx(tx *gorm.DB) Service
	// InvalidateStatus drops memoized statuses for the given accounts.
	InvalidateStatus(ctx context.Context, accountIDs ...snowflake.ID)

	OpenBalance(ctx context.Context, accountID snowflake.ID, trialDays int, reason string) error
	GrantTrial(ctx context.Context, accountID snowflake.ID, days int, reason string) (Transaction, error)
	GrantPaid(ctx context.Context, accountID snowflake.ID, days int, paymentRef string) (Transaction, error)
	GrantBonus(ctx context.Context, accountID snowflake.ID, days int, reason string, relatedAccountID *snowflake.ID) (Transaction, error)
	// ConsumeOneDay drains one day in the order trial, paid, bonus. It
	// returns false after marking the account expired when nothing is left,
	// whatever the current status, so callers charge active accounts only.
	ConsumeOneDay(ctx context.Context, accountID snowflake.ID) (bool, error)

	Snapshot(ctx context.Context, accountID snowflake.ID) (Snapshot, error)
	SetStatus(ctx context.Context, accountID snowflake.ID, from, to Status, reason string) (bool, error)
	SetPremium(ctx context.Context, accountID snowflake.ID, premium bool) error
	ListTransactions(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (TransactionPage, error)
}
