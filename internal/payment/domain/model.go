package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// StatusText is the human label shown in payment history.
func (s Status) StatusText() string {
	switch s {
	case StatusPending:
		return "awaiting"
	case StatusSuccess:
		return "succeeded"
	case StatusFailed:
		return "canceled"
	default:
		return string(s)
	}
}

const (
	MethodTBank = "tbank"
	MethodStars = "stars"
)

// Payment is one purchase attempt. Status moves pending->success or pending->failed only.
type Payment struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID        snowflake.ID      `gorm:"not null;index:idx_payments_account" json:"account_id"`
	Amount           int64             `gorm:"not null" json:"amount"`
	Currency         string            `gorm:"type:text;not null" json:"currency"`
	Method           string            `gorm:"type:text;not null" json:"method"`
	Tariff           string            `gorm:"type:text;not null" json:"tariff"`
	Status           Status            `gorm:"type:text;not null;default:'pending';index:idx_payments_status" json:"status"`
	ExternalChargeID *string           `gorm:"type:text;uniqueIndex:ux_payments_external_charge" json:"external_charge_id,omitempty"`
	DaysAwarded      int               `gorm:"not null" json:"days_awarded"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

func (Payment) TableName() string { return "payments" }

// CallbackStatus is the provider-reported outcome of a charge.
type CallbackStatus string

const (
	CallbackSuccess  CallbackStatus = "success"
	CallbackFailed   CallbackStatus = "failed"
	CallbackCanceled CallbackStatus = "canceled"
)

// Callback is the canonical provider callback parsed by adapters.
type Callback struct {
	Provider      string
	PaymentID     snowflake.ID
	Status        CallbackStatus
	TransactionID string
	Amount        string
	Currency      string
	RawPayload    []byte
}

// InvoiceRequest is what an adapter needs to build a provider invoice.
type InvoiceRequest struct {
	PaymentID  snowflake.ID
	AccountID  snowflake.ID
	TariffKey  string
	TariffName string
	Days       int
	Price      float64
	Currency   string
}

// Invoice is the provider-ready payload handed back to the caller.
type Invoice struct {
	Type        string         `json:"type"`
	PaymentID   *snowflake.ID  `json:"payment_id,omitempty"`
	URL         string         `json:"invoice_url,omitempty"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Days        int            `json:"days"`
	Description string         `json:"description,omitempty"`
	Payload     string         `json:"payload,omitempty"`
	Stars       *StarsInvoice  `json:"stars,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// StarsInvoice carries the messenger Stars invoice fields.
type StarsInvoice struct {
	ProviderToken string `json:"provider_token"`
	Currency      string `json:"currency"`
	Label         string `json:"label"`
	Amount        int64  `json:"amount"`
}

const InvoiceTypeFree = "free"
