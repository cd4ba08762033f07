package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	accountrepo "github.com/smallbiznis/dayledger/internal/account/repository"
	accountservice "github.com/smallbiznis/dayledger/internal/account/service"
	auditrepo "github.com/smallbiznis/dayledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/dayledger/internal/audit/service"
	"github.com/smallbiznis/dayledger/internal/cache"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/dayledger/internal/ledger/service"
	lifecycleservice "github.com/smallbiznis/dayledger/internal/lifecycle/service"
	"github.com/smallbiznis/dayledger/internal/migration/migrationtest"
	"github.com/smallbiznis/dayledger/internal/notification"
	"github.com/smallbiznis/dayledger/internal/payment/adapters"
	"github.com/smallbiznis/dayledger/internal/payment/adapters/stars"
	"github.com/smallbiznis/dayledger/internal/payment/adapters/tbank"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/dayledger/internal/payment/repository"
	paymentservice "github.com/smallbiznis/dayledger/internal/payment/service"
	"github.com/smallbiznis/dayledger/internal/providers/pdf"
	referralrepo "github.com/smallbiznis/dayledger/internal/referral/repository"
	referralservice "github.com/smallbiznis/dayledger/internal/referral/service"
	resourcerepo "github.com/smallbiznis/dayledger/internal/resource/repository"
	resourceservice "github.com/smallbiznis/dayledger/internal/resource/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tbankToken  = "tbank-token"
	starsSecret = "stars-secret"
)

type env struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	accounts accountdomain.Service
	ledger   ledgerdomain.Service
	svc      paymentdomain.Service
}

func setup(t *testing.T) *env {
	t.Helper()
	return setupWithCache(t, cache.NoopStatusCache{})
}

func setupWithCache(t *testing.T, statusCache cache.StatusCache) *env {
	t.Helper()

	db := migrationtest.Open(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Ledger:    config.LedgerConfig{InitialTrialDays: 10, MaxRetries: 5},
		Lifecycle: config.LifecycleConfig{ResourceCeiling: 5, ReferralGraceDays: 14},
		Scheduler: config.SchedulerConfig{ScanInterval: time.Hour, BatchSize: 50},
		Payments: config.PaymentsConfig{
			TBankShopID:    "shop-1",
			TBankToken:     tbankToken,
			TBankBaseURL:   "https://pay.example.test/invoices",
			BotUsername:    "daybot",
			StarsSecret:    starsSecret,
			DefaultMethod:  paymentdomain.MethodTBank,
			ReceiptCompany: "dayledger",
		},
	}
	log := zap.NewNop()
	catalog := config.NewStaticCatalogHolder(config.DefaultCatalog())

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fake, Repo: auditrepo.Provide()})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg, AuditSvc: audit, Cache: statusCache,
	})
	accounts := accountservice.New(accountservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg,
		Repo: accountrepo.Provide(), LedgerSvc: ledger, AuditSvc: audit, Cache: statusCache,
	})
	resources := resourcerepo.Provide()
	lifecycle := lifecycleservice.NewService(lifecycleservice.Params{
		DB: db, Log: log, Clock: fake, Cfg: cfg,
		AccountSvc: accounts, LedgerSvc: ledger, AuditSvc: audit, ResourceRepo: resources,
		Controller: resourceservice.NewController(resourceservice.Params{DB: db, Log: log, Clock: fake, Repo: resources}),
		Cache:      statusCache,
	})
	referral := referralservice.NewService(referralservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg, Catalog: catalog,
		Repo: referralrepo.Provide(), AccountSvc: accounts, LedgerSvc: ledger, LifecycleSvc: lifecycle, AuditSvc: audit,
	})

	svc := paymentservice.NewService(paymentservice.Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Clock:        fake,
		Cfg:          cfg,
		Catalog:      catalog,
		Repo:         paymentrepo.Provide(),
		Adapters:     adapters.NewRegistry(tbank.NewFactory(), stars.NewFactory()),
		LedgerSvc:    ledger,
		LifecycleSvc: lifecycle,
		ReferralSvc:  referral,
		AuditSvc:     audit,
		Receipts:     pdf.New(),
	})
	return &env{db: db, clock: fake, accounts: accounts, ledger: ledger, svc: svc}
}

func (e *env) register(t *testing.T, externalID, referrer string) snowflake.ID {
	t.Helper()
	res, err := e.accounts.Register(context.Background(), accountdomain.RegisterRequest{ExternalID: externalID, ReferrerExternalID: referrer})
	require.NoError(t, err)
	return res.Account.ID
}

func (e *env) invoice(t *testing.T, accountID snowflake.ID, tariff, method string) paymentdomain.Invoice {
	t.Helper()
	res, err := e.svc.CreateInvoice(context.Background(), accountID, tariff, method)
	require.NoError(t, err)
	require.NotNil(t, res.Invoice.PaymentID)
	return res.Invoice
}

func (e *env) payment(t *testing.T, id snowflake.ID) paymentdomain.Payment {
	t.Helper()
	var p paymentdomain.Payment
	require.NoError(t, e.db.Where("id = ?", id).Take(&p).Error)
	return p
}

func tbankCallback(t *testing.T, paymentID snowflake.ID, status, txID, token string) []byte {
	t.Helper()
	fields := map[string]string{
		"order_id":       paymentID.String(),
		"status":         status,
		"transaction_id": txID,
		"amount":         "199.00",
		"currency":       "RUB",
	}
	body := map[string]string{"sign": tbank.Sign(fields, token)}
	for k, v := range fields {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return payload
}

func countEvents(events []notification.Event, eventType notification.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func TestCreateInvoiceValidatesBeforeWriting(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := e.register(t, "9001", "")

	_, err := e.svc.CreateInvoice(ctx, id, "lifetime", paymentdomain.MethodTBank)
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownTariff)
	assert.Equal(t, ledgerdomain.KindValidation, ledgerdomain.KindOf(err))

	_, err = e.svc.CreateInvoice(ctx, id, "monthly", "paypal")
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownMethod)

	var count int64
	require.NoError(t, e.db.Model(&paymentdomain.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateInvoiceDemoGrantsTrialDays(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := e.register(t, "9002", "")

	res, err := e.svc.CreateInvoice(ctx, id, "demo", "")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.InvoiceTypeFree, res.Invoice.Type)
	assert.Equal(t, 10, res.Invoice.Days)
	assert.Equal(t, 1, countEvents(res.Events, notification.EventDaysAdded))

	snap, err := e.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 20, snap.TrialDays)
}

func TestCreateInvoicePersistsPendingPayment(t *testing.T) {
	e := setup(t)
	id := e.register(t, "9003", "")

	inv := e.invoice(t, id, "monthly", paymentdomain.MethodTBank)
	assert.Equal(t, paymentdomain.MethodTBank, inv.Type)
	assert.Contains(t, inv.URL, "https://pay.example.test/invoices?")

	p := e.payment(t, *inv.PaymentID)
	assert.Equal(t, paymentdomain.StatusPending, p.Status)
	assert.EqualValues(t, 19900, p.Amount)
	assert.Equal(t, 30, p.DaysAwarded)
	assert.Equal(t, id, p.AccountID)

	starsInv := e.invoice(t, id, "monthly", paymentdomain.MethodStars)
	require.NotNil(t, starsInv.Stars)
	assert.EqualValues(t, 2800, starsInv.Stars.Amount)
	assert.Equal(t, "payment_"+starsInv.PaymentID.String(), starsInv.Payload)
}

func TestCreateInvoiceUnknownAccount(t *testing.T) {
	e := setup(t)
	_, err := e.svc.CreateInvoice(context.Background(), snowflake.ID(31337), "monthly", "")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestVerifyAndApplyCreditsExactlyOnce(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := e.register(t, "9004", "")
	inv := e.invoice(t, id, "monthly", "")
	payload := tbankCallback(t, *inv.PaymentID, "success", "tx-1", tbankToken)

	res, err := e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, payload, http.Header{})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, paymentdomain.StatusSuccess, res.Status)
	assert.Equal(t, 30, res.DaysAwarded)
	assert.Equal(t, 1, countEvents(res.Events, notification.EventPaymentSuccess))
	assert.Equal(t, 1, countEvents(res.Events, notification.EventAdminPayment))

	snap, err := e.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snap.PaidUntil)
	assert.True(t, snap.PaidUntil.Equal(e.clock.Now().Add(30*24*time.Hour)))

	replay, err := e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, payload, http.Header{})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Empty(t, replay.Events)

	var paidAdds int64
	require.NoError(t, e.db.Model(&ledgerdomain.Transaction{}).
		Where("account_id = ? AND type = ?", id, ledgerdomain.TransactionPaidAdd).
		Count(&paidAdds).Error)
	assert.EqualValues(t, 1, paidAdds)

	p := e.payment(t, *inv.PaymentID)
	require.NotNil(t, p.ExternalChargeID)
	assert.Equal(t, "tx-1", *p.ExternalChargeID)
	assert.NotNil(t, p.CompletedAt)
}

func TestVerifyAndApplyDropsStatusMemoAfterCommit(t *testing.T) {
	statusCache := cache.NewLRUStatusCache(100, time.Hour)
	e := setupWithCache(t, statusCache)
	ctx := context.Background()
	id := e.register(t, "9010", "")
	inv := e.invoice(t, id, "monthly", "")

	// a reader that memoizes while the payment transaction is still open
	require.NoError(t, e.db.Callback().Create().After("gorm:create").Register("test:memo_inside_tx", func(tx *gorm.DB) {
		entry, ok := tx.Statement.Dest.(*auditdomain.AuditEntry)
		if ok && entry.Action == auditdomain.ActionPaymentSucceeded {
			statusCache.Set(ctx, id, nil, ledgerdomain.StatusDeleted)
		}
	}))

	_, err := e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, tbankCallback(t, *inv.PaymentID, "success", "tx-memo", tbankToken), http.Header{})
	require.NoError(t, err)

	status, hit := statusCache.Get(ctx, id, nil)
	if hit {
		assert.Equal(t, ledgerdomain.StatusFrozen, status)
	}
}

func TestVerifyAndApplyRejectsForgedSignature(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := e.register(t, "9005", "")
	inv := e.invoice(t, id, "monthly", "")

	_, err := e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, tbankCallback(t, *inv.PaymentID, "success", "tx-2", "forged"), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Equal(t, ledgerdomain.KindReconciliation, ledgerdomain.KindOf(err))

	assert.Equal(t, paymentdomain.StatusPending, e.payment(t, *inv.PaymentID).Status)
	snap, err := e.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, snap.PaidUntil)
}

func TestVerifyAndApplyFailureIsTerminal(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := e.register(t, "9006", "")
	inv := e.invoice(t, id, "monthly", "")

	res, err := e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, tbankCallback(t, *inv.PaymentID, "canceled", "", tbankToken), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusFailed, res.Status)

	_, err = e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, tbankCallback(t, *inv.PaymentID, "success", "tx-3", tbankToken), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentFinal)

	snap, err := e.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, snap.PaidUntil)
}

func TestVerifyAndApplyUnknownPayment(t *testing.T) {
	e := setup(t)
	_, err := e.svc.VerifyAndApply(context.Background(), paymentdomain.MethodTBank, tbankCallback(t, snowflake.ID(404), "success", "tx-4", tbankToken), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
	assert.Equal(t, ledgerdomain.KindNotFound, ledgerdomain.KindOf(err))
}

func TestVerifyAndApplyUnknownProvider(t *testing.T) {
	e := setup(t)
	_, err := e.svc.VerifyAndApply(context.Background(), "paypal", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestStarsPaymentRewardsReferrerOnFirstPayment(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	referrer := e.register(t, "9100", "")
	referred := e.register(t, "9101", "9100")
	inv := e.invoice(t, referred, "monthly", paymentdomain.MethodStars)

	payload := []byte(`{"message":{"successful_payment":{"currency":"XTR","total_amount":2800,"invoice_payload":"` + inv.Payload + `","telegram_payment_charge_id":"star-1"}}}`)
	headers := http.Header{}
	headers.Set(stars.SecretHeader, starsSecret)

	res, err := e.svc.VerifyAndApply(ctx, paymentdomain.MethodStars, payload, headers)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusSuccess, res.Status)
	assert.Equal(t, 1, countEvents(res.Events, notification.EventReferralRewarded))

	referrerSnap, err := e.ledger.Snapshot(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, 15, referrerSnap.BonusDays)

	referredSnap, err := e.ledger.Snapshot(ctx, referred)
	require.NoError(t, err)
	assert.Equal(t, 10, referredSnap.BonusDays)
	assert.Equal(t, 30, referredSnap.PaidDays)
}

func TestHistoryAndTariffs(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := e.register(t, "9007", "")
	inv := e.invoice(t, id, "monthly", "")
	e.clock.Advance(time.Minute)
	e.invoice(t, id, "yearly", "")

	_, err := e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, tbankCallback(t, *inv.PaymentID, "success", "tx-5", tbankToken), http.Header{})
	require.NoError(t, err)

	history, err := e.svc.History(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "yearly", history[0].Tariff)
	assert.Equal(t, "awaiting", history[0].StatusText)
	assert.Equal(t, "succeeded", history[1].StatusText)

	tariffs, err := e.svc.AvailableTariffs(ctx)
	require.NoError(t, err)
	require.Len(t, tariffs, 3)
	assert.Equal(t, "monthly", tariffs[0].Key)
	assert.False(t, tariffs[0].BestValue)
	assert.InDelta(t, 6.63, tariffs[0].PricePerDay, 0.001)
	assert.True(t, tariffs[1].BestValue)
	assert.True(t, tariffs[2].BestValue)
}

func TestReceiptRequiresSettledPayment(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := e.register(t, "9008", "")
	inv := e.invoice(t, id, "monthly", "")

	_, err := e.svc.Receipt(ctx, *inv.PaymentID)
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotSettled)

	_, err = e.svc.VerifyAndApply(ctx, paymentdomain.MethodTBank, tbankCallback(t, *inv.PaymentID, "success", "tx-6", tbankToken), http.Header{})
	require.NoError(t, err)

	doc, err := e.svc.Receipt(ctx, *inv.PaymentID)
	require.NoError(t, err)
	assert.True(t, len(doc) > 4 && string(doc[:4]) == "%PDF")

	_, err = e.svc.Receipt(ctx, snowflake.ID(1))
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
}
