package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
)

type RegisterRequest struct {
	ExternalID         string `json:"external_id"`
	Username           string `json:"username"`
	FirstName          string `json:"first_name"`
	ReferrerExternalID string `json:"referrer_external_id"`
}

type RegisterResult struct {
	Account Account `json:"account"`
	Created bool    `json:"created"`
}

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResult, error)
	Get(ctx context.Context, id snowflake.ID) (Account, error)
	GetByExternalID(ctx context.Context, externalID string) (Account, error)
	// SetSubscribed persists the flag and reports whether it changed.
	SetSubscribed(ctx context.Context, id snowflake.ID, subscribed bool) (bool, error)
}

var (
	ErrInvalidExternalID = ledgerdomain.NewError(ledgerdomain.KindValidation, "invalid_external_id")
	ErrNotFound          = ledgerdomain.ErrAccountNotFound
)
