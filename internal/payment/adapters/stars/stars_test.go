package stars

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
)

func newAdapter(t *testing.T) paymentdomain.PaymentAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Config: map[string]any{
		"secret":       "bot-secret",
		"stars_to_rub": 7.0,
	}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestAmountTruncatesBeforeScaling(t *testing.T) {
	cases := map[float64]int64{
		199:  2800,
		490:  7000,
		1490: 21200,
		6:    0,
	}
	for price, want := range cases {
		if got := Amount(price, 7.0); got != want {
			t.Fatalf("Amount(%v) = %d, want %d", price, got, want)
		}
	}
}

func TestCreateInvoice(t *testing.T) {
	invoice, err := newAdapter(t).CreateInvoice(context.Background(), paymentdomain.InvoiceRequest{
		PaymentID:  snowflake.ID(77),
		TariffName: "Monthly",
		Days:       30,
		Price:      199,
		Currency:   "RUB",
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if invoice.Payload != "payment_77" || invoice.Currency != Currency {
		t.Fatalf("unexpected invoice %+v", invoice)
	}
	if invoice.Stars == nil || invoice.Stars.Amount != 2800 || invoice.Stars.ProviderToken != testToken {
		t.Fatalf("unexpected stars block %+v", invoice.Stars)
	}
}

func TestVerifyChecksSecretHeader(t *testing.T) {
	adapter := newAdapter(t)
	headers := http.Header{}
	if err := adapter.Verify(context.Background(), nil, headers); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected missing header to fail, got %v", err)
	}
	headers.Set(SecretHeader, "wrong")
	if err := adapter.Verify(context.Background(), nil, headers); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected wrong secret to fail, got %v", err)
	}
	headers.Set(SecretHeader, "bot-secret")
	if err := adapter.Verify(context.Background(), nil, headers); err != nil {
		t.Fatalf("expected valid secret, got %v", err)
	}
}

func TestParseSuccessfulPayment(t *testing.T) {
	adapter := newAdapter(t)
	for _, payload := range []string{
		`{"successful_payment":{"currency":"XTR","total_amount":2800,"invoice_payload":"payment_77","telegram_payment_charge_id":"ch-1"}}`,
		`{"message":{"successful_payment":{"currency":"XTR","total_amount":2800,"invoice_payload":"payment_77","telegram_payment_charge_id":"ch-1"}}}`,
	} {
		cb, err := adapter.Parse(context.Background(), []byte(payload))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if cb.PaymentID != 77 || cb.Status != paymentdomain.CallbackSuccess || cb.TransactionID != "ch-1" {
			t.Fatalf("unexpected callback %+v", cb)
		}
	}

	if _, err := adapter.Parse(context.Background(), []byte(`{"successful_payment":{"invoice_payload":"order_77"}}`)); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
