package tbank

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
)

const (
	defaultBaseURL = "https://pay.tbank.ru/api/v1/invoices"
	signField      = "sign"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.MethodTBank
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	token, _ := readString(cfg.Config, "token")
	shopID, _ := readString(cfg.Config, "shop_id")
	if token == "" || shopID == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	baseURL, _ := readString(cfg.Config, "base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	botUsername, _ := readString(cfg.Config, "bot_username")

	return &Adapter{
		shopID:      shopID,
		token:       token,
		baseURL:     baseURL,
		botUsername: botUsername,
	}, nil
}

type Adapter struct {
	shopID      string
	token       string
	baseURL     string
	botUsername string
}

// CreateInvoice builds a signed redirect URL for the hosted payment page.
func (a *Adapter) CreateInvoice(ctx context.Context, req paymentdomain.InvoiceRequest) (paymentdomain.Invoice, error) {
	if req.PaymentID == 0 || req.Price <= 0 {
		return paymentdomain.Invoice{}, paymentdomain.ErrInvalidPayload
	}
	orderID := req.PaymentID.String()
	description := fmt.Sprintf("%s (%d days)", req.TariffName, req.Days)

	fields := map[string]string{
		"shop_id":     a.shopID,
		"amount":      FormatAmount(req.Price),
		"currency":    req.Currency,
		"order_id":    orderID,
		"description": description,
		"success_url": a.returnURL("payment_success_" + orderID),
		"fail_url":    a.returnURL("payment_failed_" + orderID),
	}

	values := url.Values{}
	for key, value := range fields {
		values.Set(key, value)
	}
	values.Set(signField, Sign(fields, a.token))

	paymentID := req.PaymentID
	return paymentdomain.Invoice{
		Type:        paymentdomain.MethodTBank,
		PaymentID:   &paymentID,
		URL:         a.baseURL + "?" + values.Encode(),
		Amount:      req.Price,
		Currency:    req.Currency,
		Days:        req.Days,
		Description: description,
	}, nil
}

func (a *Adapter) returnURL(start string) string {
	if a.botUsername == "" {
		return start
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", a.botUsername, start)
}

// Verify recomputes the signature over every callback field except sign.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	fields, err := decodeFields(payload)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	received := fields[signField]
	if received == "" {
		return paymentdomain.ErrInvalidSignature
	}
	delete(fields, signField)

	expected := Sign(fields, a.token)
	if !hmac.Equal([]byte(strings.ToLower(received)), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type callback struct {
	OrderID       json.Number `json:"order_id"`
	Status        string      `json:"status"`
	TransactionID string      `json:"transaction_id"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Callback, error) {
	var body callback
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	paymentID, err := snowflake.ParseString(strings.TrimSpace(body.OrderID.String()))
	if err != nil || paymentID == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	status := paymentdomain.CallbackStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	switch status {
	case paymentdomain.CallbackSuccess, paymentdomain.CallbackFailed, paymentdomain.CallbackCanceled:
	default:
		return nil, paymentdomain.ErrUnknownStatus
	}

	return &paymentdomain.Callback{
		Provider:      paymentdomain.MethodTBank,
		PaymentID:     paymentID,
		Status:        status,
		TransactionID: strings.TrimSpace(body.TransactionID),
		Amount:        body.Amount.String(),
		Currency:      strings.ToUpper(strings.TrimSpace(body.Currency)),
		RawPayload:    payload,
	}, nil
}

// Sign joins the fields as sorted key=value pairs, appends the token and
// returns the hex HMAC-SHA256 keyed by the same token.
func Sign(fields map[string]string, token string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(fields[key])
	}
	b.WriteString(token)

	mac := hmac.New(sha256.New, []byte(token))
	_, _ = mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatAmount renders a major-unit price with two decimals.
func FormatAmount(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}

func decodeFields(payload []byte) (map[string]string, error) {
	var raw map[string]any
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			fields[key] = ""
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		case bool:
			fields[key] = strconv.FormatBool(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			fields[key] = string(encoded)
		}
	}
	return fields, nil
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast), true
	default:
		return "", false
	}
}
