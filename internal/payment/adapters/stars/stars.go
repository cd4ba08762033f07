package stars

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
)

const (
	Currency      = "XTR"
	PayloadPrefix = "payment_"
	SecretHeader  = "X-Telegram-Bot-Api-Secret-Token"
	testToken     = "TEST_TOKEN"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.MethodStars
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, _ := cfg.Config["secret"].(string)
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	rate, _ := cfg.Config["stars_to_rub"].(float64)
	if rate <= 0 {
		return nil, paymentdomain.ErrInvalidConfig
	}
	token, _ := cfg.Config["provider_token"].(string)
	if strings.TrimSpace(token) == "" {
		token = testToken
	}
	return &Adapter{secret: secret, starsToRub: rate, providerToken: token}, nil
}

type Adapter struct {
	secret        string
	starsToRub    float64
	providerToken string
}

// Amount converts a ruble price into the Stars invoice amount.
func Amount(price, starsToRub float64) int64 {
	return int64(price/starsToRub) * 100
}

func (a *Adapter) CreateInvoice(ctx context.Context, req paymentdomain.InvoiceRequest) (paymentdomain.Invoice, error) {
	if req.PaymentID == 0 || req.Price <= 0 {
		return paymentdomain.Invoice{}, paymentdomain.ErrInvalidPayload
	}
	paymentID := req.PaymentID
	label := fmt.Sprintf("%s (%d days)", req.TariffName, req.Days)
	return paymentdomain.Invoice{
		Type:        paymentdomain.MethodStars,
		PaymentID:   &paymentID,
		Amount:      req.Price,
		Currency:    Currency,
		Days:        req.Days,
		Description: fmt.Sprintf("%s - %d days", req.TariffName, req.Days),
		Payload:     PayloadPrefix + paymentID.String(),
		Stars: &paymentdomain.StarsInvoice{
			ProviderToken: a.providerToken,
			Currency:      Currency,
			Label:         label,
			Amount:        Amount(req.Price, a.starsToRub),
		},
	}, nil
}

// Verify authenticates the bot update by its shared secret header.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	received := strings.TrimSpace(headers.Get(SecretHeader))
	if received == "" || !hmac.Equal([]byte(received), []byte(a.secret)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type successfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id"`
}

type update struct {
	SuccessfulPayment *successfulPayment `json:"successful_payment"`
	Message           *struct {
		SuccessfulPayment *successfulPayment `json:"successful_payment"`
	} `json:"message"`
}

// Parse accepts either a bare successful_payment object or a full message update.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Callback, error) {
	var body update
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	sp := body.SuccessfulPayment
	if sp == nil && body.Message != nil {
		sp = body.Message.SuccessfulPayment
	}
	if sp == nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	raw, ok := strings.CutPrefix(strings.TrimSpace(sp.InvoicePayload), PayloadPrefix)
	if !ok {
		return nil, paymentdomain.ErrInvalidPayload
	}
	paymentID, err := snowflake.ParseString(raw)
	if err != nil || paymentID == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return &paymentdomain.Callback{
		Provider:      paymentdomain.MethodStars,
		PaymentID:     paymentID,
		Status:        paymentdomain.CallbackSuccess,
		TransactionID: strings.TrimSpace(sp.TelegramPaymentChargeID),
		Amount:        strconv.FormatInt(sp.TotalAmount, 10),
		Currency:      strings.ToUpper(strings.TrimSpace(sp.Currency)),
		RawPayload:    payload,
	}, nil
}
