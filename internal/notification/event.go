package notification

import (
	"crypto/rand"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventDaysAdded          EventType = "days_added"
	EventExpiryWarning      EventType = "expiry_warning"
	EventReferralRegistered EventType = "referral_registered"
	EventReferralRewarded   EventType = "referral_rewarded"
	EventPaymentSuccess     EventType = "payment_success"
	EventAdminSummary       EventType = "admin_summary"
	EventAdminPayment       EventType = "admin_payment"
)

// Admin reports whether the event is addressed to operators rather than an account.
func (t EventType) Admin() bool {
	return t == EventAdminSummary || t == EventAdminPayment
}

// Event is a one-way message produced by a committed operation.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AccountID snowflake.ID   `json:"account_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent stamps a sortable id on a new event.
func NewEvent(eventType EventType, accountID snowflake.ID, at time.Time, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        ulid.MustNew(ulid.Timestamp(at), rand.Reader).String(),
		Type:      eventType,
		AccountID: accountID,
		Data:      data,
		CreatedAt: at,
	}
}

// Int reads an integer payload field.
func (e Event) Int(key string) (int, bool) {
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
