package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	"gorm.io/gorm"
)

// ApplyResult reports the outcome of one verified callback.
type ApplyResult struct {
	PaymentID   snowflake.ID         `json:"payment_id"`
	AccountID   snowflake.ID         `json:"account_id"`
	Status      Status               `json:"status"`
	Duplicate   bool                 `json:"duplicate"`
	DaysAwarded int                  `json:"days_awarded"`
	Events      []notification.Event `json:"-"`
}

type HistoryItem struct {
	ID          snowflake.ID `json:"id"`
	Amount      int64        `json:"amount"`
	Currency    string       `json:"currency"`
	Method      string       `json:"method"`
	Tariff      string       `json:"tariff"`
	Status      Status       `json:"status"`
	StatusText  string       `json:"status_text"`
	DaysAwarded int          `json:"days_awarded"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

type TariffOption struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	Days        int     `json:"days"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	PricePerDay float64 `json:"price_per_day"`
	BestValue   bool    `json:"best_value"`
}

type CreateInvoiceResult struct {
	Invoice Invoice              `json:"invoice"`
	Events  []notification.Event `json:"-"`
}

type Service interface {
	CreateInvoice(ctx context.Context, accountID snowflake.ID, tariffKey, method string) (CreateInvoiceResult, error)
	VerifyAndApply(ctx context.Context, provider string, payload []byte, headers http.Header) (ApplyResult, error)
	History(ctx context.Context, accountID snowflake.ID, limit int) ([]HistoryItem, error)
	AvailableTariffs(ctx context.Context) ([]TariffOption, error)
	Receipt(ctx context.Context, paymentID snowflake.ID) ([]byte, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	// MarkSucceeded moves a pending payment to success and reports whether this call did it.
	MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeID *string, completedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, completedAt time.Time) (bool, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]Payment, error)
	CountSucceeded(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)
}

var (
	ErrUnknownTariff     = ledgerdomain.NewError(ledgerdomain.KindValidation, "unknown_tariff")
	ErrUnknownMethod     = ledgerdomain.NewError(ledgerdomain.KindValidation, "unknown_payment_method")
	ErrUnknownStatus     = ledgerdomain.NewError(ledgerdomain.KindValidation, "unknown_callback_status")
	ErrInvalidPayload    = ledgerdomain.NewError(ledgerdomain.KindValidation, "invalid_payload")
	ErrInvalidConfig     = ledgerdomain.NewError(ledgerdomain.KindValidation, "invalid_provider_config")
	ErrProviderNotFound  = ledgerdomain.NewError(ledgerdomain.KindValidation, "provider_not_found")
	ErrInvalidSignature  = ledgerdomain.NewError(ledgerdomain.KindReconciliation, "invalid_signature")
	ErrPaymentNotFound   = ledgerdomain.NewError(ledgerdomain.KindNotFound, "payment_not_found")
	ErrDuplicateCharge   = ledgerdomain.NewError(ledgerdomain.KindIntegrity, "charge_already_exists")
	ErrPaymentNotSettled = ledgerdomain.NewError(ledgerdomain.KindValidation, "payment_not_settled")
	ErrPaymentFinal      = ledgerdomain.NewError(ledgerdomain.KindConflict, "payment_already_final")
	ErrProviderFailure   = ledgerdomain.NewError(ledgerdomain.KindUnknown, "provider_failure")
)
