package domain

import (
	"context"
	"net/http"
)

// AdapterConfig is the provider configuration handed to a factory.
type AdapterConfig struct {
	Config map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// PaymentAdapter builds invoices for a provider and authenticates its callbacks.
type PaymentAdapter interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Callback, error)
}
