package service

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	lifecycledomain "github.com/smallbiznis/dayledger/internal/lifecycle/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	"github.com/smallbiznis/dayledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	"github.com/smallbiznis/dayledger/internal/providers/pdf"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	"github.com/smallbiznis/dayledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

var bestValueTariffs = map[string]bool{"quarterly": true, "yearly": true}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Cfg          config.Config
	Catalog      *config.CatalogHolder
	Repo         paymentdomain.Repository
	Adapters     *adapters.Registry
	LedgerSvc    ledgerdomain.Service
	LifecycleSvc lifecycledomain.Service
	ReferralSvc  referraldomain.Service
	AuditSvc     auditdomain.Service
	Receipts     pdf.Provider
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	cfg          config.PaymentsConfig
	catalog      *config.CatalogHolder
	repo         paymentdomain.Repository
	adapters     *adapters.Registry
	ledgerSvc    ledgerdomain.Service
	lifecycleSvc lifecycledomain.Service
	referralSvc  referraldomain.Service
	auditSvc     auditdomain.Service
	receipts     pdf.Provider
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payment.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Cfg.Payments,
		catalog:      p.Catalog,
		repo:         p.Repo,
		adapters:     p.Adapters,
		ledgerSvc:    p.LedgerSvc,
		lifecycleSvc: p.LifecycleSvc,
		referralSvc:  p.ReferralSvc,
		auditSvc:     p.AuditSvc,
		receipts:     p.Receipts,
		obsMetrics:   p.ObsMetrics,
	}
}

// adapterConfig assembles provider settings from the environment and the
// current catalog, so a catalog reload applies to the next invoice.
func (s *Service) adapterConfig(provider string) paymentdomain.AdapterConfig {
	switch provider {
	case paymentdomain.MethodTBank:
		return paymentdomain.AdapterConfig{Config: map[string]any{
			"shop_id":      s.cfg.TBankShopID,
			"token":        s.cfg.TBankToken,
			"base_url":     s.cfg.TBankBaseURL,
			"bot_username": s.cfg.BotUsername,
		}}
	case paymentdomain.MethodStars:
		return paymentdomain.AdapterConfig{Config: map[string]any{
			"secret":         s.cfg.StarsSecret,
			"provider_token": s.cfg.ProviderToken,
			"stars_to_rub":   s.catalog.Get().StarsToRub,
		}}
	default:
		return paymentdomain.AdapterConfig{}
	}
}

func (s *Service) adapter(provider string) (paymentdomain.PaymentAdapter, error) {
	return s.adapters.NewAdapter(provider, s.adapterConfig(provider))
}

func (s *Service) CreateInvoice(ctx context.Context, accountID snowflake.ID, tariffKey, method string) (paymentdomain.CreateInvoiceResult, error) {
	const op = "payment.create_invoice"

	tariff, ok := s.catalog.Get().Tariff(tariffKey)
	if !ok {
		return paymentdomain.CreateInvoiceResult{}, ledgerdomain.E(op, paymentdomain.ErrUnknownTariff)
	}
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		method = s.cfg.DefaultMethod
	}
	if !s.adapters.ProviderExists(method) {
		return paymentdomain.CreateInvoiceResult{}, ledgerdomain.E(op, paymentdomain.ErrUnknownMethod)
	}

	if tariff.Free {
		added, err := s.lifecycleSvc.AddDays(ctx, accountID, tariff.Days, ledgerdomain.BalanceTrial, "demo_tariff", "")
		if err != nil {
			return paymentdomain.CreateInvoiceResult{}, err
		}
		return paymentdomain.CreateInvoiceResult{
			Invoice: paymentdomain.Invoice{
				Type:        paymentdomain.InvoiceTypeFree,
				Currency:    tariff.Currency,
				Days:        tariff.Days,
				Description: tariff.Name,
			},
			Events: added.Events,
		}, nil
	}

	if _, err := s.ledgerSvc.Snapshot(ctx, accountID); err != nil {
		return paymentdomain.CreateInvoiceResult{}, err
	}

	now := s.clock.Now()
	payment := paymentdomain.Payment{
		ID:          s.genID.Generate(),
		AccountID:   accountID,
		Amount:      tariff.PriceMinor(),
		Currency:    tariff.Currency,
		Method:      method,
		Tariff:      tariff.Key,
		Status:      paymentdomain.StatusPending,
		DaysAwarded: tariff.Days,
		Metadata: datatypes.JSONMap{
			"tariff_name": tariff.Name,
		},
		CreatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &payment); err != nil {
			return err
		}
		return s.auditSvc.Record(ctx, tx, &accountID, auditdomain.ActionPaymentCreated, map[string]any{
			"payment_id": payment.ID.String(),
			"tariff":     tariff.Key,
			"method":     method,
			"amount":     payment.Amount,
			"currency":   payment.Currency,
		})
	})
	if err != nil {
		return paymentdomain.CreateInvoiceResult{}, err
	}

	invoice, err := s.buildInvoice(ctx, method, paymentdomain.InvoiceRequest{
		PaymentID:  payment.ID,
		AccountID:  accountID,
		TariffKey:  tariff.Key,
		TariffName: tariff.Name,
		Days:       tariff.Days,
		Price:      tariff.Price,
		Currency:   tariff.Currency,
	})
	if err != nil {
		s.log.Error("invoice creation failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("method", method),
			zap.Error(err),
		)
		if _, markErr := s.repo.MarkFailed(ctx, s.db, payment.ID, s.clock.Now()); markErr != nil {
			s.log.Error("failed to mark payment failed", zap.String("payment_id", payment.ID.String()), zap.Error(markErr))
		}
		_ = s.auditSvc.Record(ctx, nil, &accountID, auditdomain.ActionPaymentFailed, map[string]any{
			"payment_id": payment.ID.String(),
			"error":      err.Error(),
		})
		return paymentdomain.CreateInvoiceResult{}, ledgerdomain.EKind(ledgerdomain.KindUnknown, op, fmt.Errorf("%w: %v", paymentdomain.ErrProviderFailure, err))
	}

	s.log.Info("invoice created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.String("tariff", tariff.Key),
		zap.String("method", method),
	)
	return paymentdomain.CreateInvoiceResult{Invoice: invoice}, nil
}

func (s *Service) buildInvoice(ctx context.Context, method string, req paymentdomain.InvoiceRequest) (paymentdomain.Invoice, error) {
	adapter, err := s.adapter(method)
	if err != nil {
		return paymentdomain.Invoice{}, err
	}
	return adapter.CreateInvoice(ctx, req)
}

func (s *Service) VerifyAndApply(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.ApplyResult, error) {
	const op = "payment.verify_and_apply"

	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.adapters.ProviderExists(provider) {
		return paymentdomain.ApplyResult{}, ledgerdomain.E(op, paymentdomain.ErrProviderNotFound)
	}
	adapter, err := s.adapter(provider)
	if err != nil {
		return paymentdomain.ApplyResult{}, ledgerdomain.E(op, err)
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordPaymentCallback(provider, "rejected")
		s.log.Warn("payment callback rejected", zap.String("provider", provider), zap.Error(err))
		return paymentdomain.ApplyResult{}, ledgerdomain.E(op, err)
	}

	cb, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.obsMetrics.RecordPaymentCallback(provider, "invalid")
		return paymentdomain.ApplyResult{}, ledgerdomain.E(op, err)
	}

	var result paymentdomain.ApplyResult
	switch cb.Status {
	case paymentdomain.CallbackSuccess:
		result, err = s.applySuccess(ctx, provider, cb)
	case paymentdomain.CallbackFailed, paymentdomain.CallbackCanceled:
		result, err = s.applyFailure(ctx, provider, cb)
	default:
		err = paymentdomain.ErrUnknownStatus
	}
	if err != nil {
		s.obsMetrics.RecordPaymentCallback(provider, "error")
		return paymentdomain.ApplyResult{}, ledgerdomain.E(op, err)
	}

	switch {
	case result.Duplicate:
		s.obsMetrics.RecordPaymentCallback(provider, "duplicate")
	default:
		s.obsMetrics.RecordPaymentCallback(provider, string(result.Status))
	}
	return result, nil
}

func (s *Service) applySuccess(ctx context.Context, provider string, cb *paymentdomain.Callback) (paymentdomain.ApplyResult, error) {
	var (
		result  paymentdomain.ApplyResult
		payment *paymentdomain.Payment
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindByID(ctx, tx, cb.PaymentID)
		if err != nil {
			return err
		}
		if found == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		payment = found
		result = paymentdomain.ApplyResult{
			PaymentID:   found.ID,
			AccountID:   found.AccountID,
			Status:      found.Status,
			DaysAwarded: found.DaysAwarded,
		}

		switch found.Status {
		case paymentdomain.StatusSuccess:
			result.Duplicate = true
			return nil
		case paymentdomain.StatusFailed:
			return paymentdomain.ErrPaymentFinal
		}

		var chargeID *string
		if cb.TransactionID != "" {
			chargeID = &cb.TransactionID
		}
		now := s.clock.Now()
		moved, err := s.repo.MarkSucceeded(ctx, tx, found.ID, chargeID, now)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return paymentdomain.ErrDuplicateCharge
			}
			return err
		}
		if !moved {
			result.Duplicate = true
			return nil
		}

		if _, err := s.ledgerSvc.WithTx(tx).GrantPaid(ctx, found.AccountID, found.DaysAwarded, found.ID.String()); err != nil {
			return err
		}
		result.Status = paymentdomain.StatusSuccess
		return s.auditSvc.Record(ctx, tx, &found.AccountID, auditdomain.ActionPaymentSucceeded, map[string]any{
			"payment_id": found.ID.String(),
			"provider":   provider,
			"amount":     found.Amount,
			"currency":   found.Currency,
			"days":       found.DaysAwarded,
			"charge_id":  cb.TransactionID,
		})
	})
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	if result.Duplicate {
		s.log.Info("duplicate payment callback ignored",
			zap.String("payment_id", result.PaymentID.String()),
			zap.String("provider", provider),
		)
		return result, nil
	}

	s.ledgerSvc.InvalidateStatus(ctx, result.AccountID)
	s.log.Info("payment applied",
		zap.String("payment_id", result.PaymentID.String()),
		zap.String("account_id", result.AccountID.String()),
		zap.Int("days", result.DaysAwarded),
	)
	result.Events = s.afterSuccess(ctx, payment, provider)
	return result, nil
}

// afterSuccess runs the post-commit steps. Failures here never undo the credit.
func (s *Service) afterSuccess(ctx context.Context, payment *paymentdomain.Payment, provider string) []notification.Event {
	var events []notification.Event

	status, err := s.lifecycleSvc.Evaluate(ctx, payment.AccountID, nil)
	if err != nil {
		s.log.Warn("status evaluation after payment failed", zap.String("account_id", payment.AccountID.String()), zap.Error(err))
	} else {
		events = append(events, status.Events...)
	}

	referral, err := s.referralSvc.HandleFirstPayment(ctx, payment.AccountID)
	if err != nil {
		s.log.Warn("first payment referral failed", zap.String("account_id", payment.AccountID.String()), zap.Error(err))
	} else {
		events = append(events, referral.Events...)
	}

	now := s.clock.Now()
	amount := formatMinor(payment.Amount, payment.Currency)
	events = append(events,
		notification.NewEvent(notification.EventPaymentSuccess, payment.AccountID, now, map[string]any{
			"payment_id": payment.ID.String(),
			"days":       payment.DaysAwarded,
			"tariff":     payment.Tariff,
			"amount":     amount,
		}),
		notification.NewEvent(notification.EventAdminPayment, payment.AccountID, now, map[string]any{
			"payment_id": payment.ID.String(),
			"account_id": payment.AccountID.String(),
			"amount":     amount,
			"tariff":     payment.Tariff,
			"method":     provider,
			"days":       payment.DaysAwarded,
		}),
	)
	return events
}

func (s *Service) applyFailure(ctx context.Context, provider string, cb *paymentdomain.Callback) (paymentdomain.ApplyResult, error) {
	var result paymentdomain.ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindByID(ctx, tx, cb.PaymentID)
		if err != nil {
			return err
		}
		if found == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		result = paymentdomain.ApplyResult{
			PaymentID: found.ID,
			AccountID: found.AccountID,
			Status:    found.Status,
		}
		if found.Status != paymentdomain.StatusPending {
			result.Duplicate = true
			return nil
		}
		moved, err := s.repo.MarkFailed(ctx, tx, found.ID, s.clock.Now())
		if err != nil {
			return err
		}
		if !moved {
			result.Duplicate = true
			return nil
		}
		result.Status = paymentdomain.StatusFailed
		return s.auditSvc.Record(ctx, tx, &found.AccountID, auditdomain.ActionPaymentFailed, map[string]any{
			"payment_id": found.ID.String(),
			"provider":   provider,
			"status":     string(cb.Status),
		})
	})
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	return result, nil
}

func (s *Service) History(ctx context.Context, accountID snowflake.ID, limit int) ([]paymentdomain.HistoryItem, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	payments, err := s.repo.ListByAccount(ctx, s.db, accountID, limit)
	if err != nil {
		return nil, err
	}

	items := make([]paymentdomain.HistoryItem, 0, len(payments))
	for _, p := range payments {
		items = append(items, paymentdomain.HistoryItem{
			ID:          p.ID,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Method:      p.Method,
			Tariff:      p.Tariff,
			Status:      p.Status,
			StatusText:  p.Status.StatusText(),
			DaysAwarded: p.DaysAwarded,
			CreatedAt:   p.CreatedAt,
			CompletedAt: p.CompletedAt,
		})
	}
	return items, nil
}

func (s *Service) AvailableTariffs(ctx context.Context) ([]paymentdomain.TariffOption, error) {
	tariffs := s.catalog.Get().PaidTariffs()
	options := make([]paymentdomain.TariffOption, 0, len(tariffs))
	for _, t := range tariffs {
		perDay := 0.0
		if t.Days > 0 {
			perDay = math.Round(t.Price/float64(t.Days)*100) / 100
		}
		options = append(options, paymentdomain.TariffOption{
			Key:         t.Key,
			Name:        t.Name,
			Days:        t.Days,
			Price:       t.Price,
			Currency:    t.Currency,
			PricePerDay: perDay,
			BestValue:   bestValueTariffs[t.Key],
		})
	}
	return options, nil
}

func (s *Service) Receipt(ctx context.Context, paymentID snowflake.ID) ([]byte, error) {
	const op = "payment.receipt"

	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ledgerdomain.E(op, paymentdomain.ErrPaymentNotFound)
	}
	if payment.Status != paymentdomain.StatusSuccess {
		return nil, ledgerdomain.E(op, paymentdomain.ErrPaymentNotSettled)
	}

	description := payment.Tariff
	if name, ok := payment.Metadata["tariff_name"].(string); ok && name != "" {
		description = name
	}
	paidAt := payment.CreatedAt
	if payment.CompletedAt != nil {
		paidAt = *payment.CompletedAt
	}
	chargeID := "-"
	if payment.ExternalChargeID != nil {
		chargeID = *payment.ExternalChargeID
	}
	total := formatMinor(payment.Amount, payment.Currency)

	r, err := s.receipts.GenerateReceipt(ctx, pdf.ReceiptData{
		Company:       s.cfg.ReceiptCompany,
		ReceiptNumber: payment.ID.String(),
		AccountRef:    payment.AccountID.String(),
		DatePaid:      paidAt.UTC().Format("2006-01-02"),
		Method:        payment.Method,
		ChargeID:      chargeID,
		Items: []pdf.ReceiptItem{{
			Description: description,
			Days:        payment.DaysAwarded,
			Amount:      total,
		}},
		Total: total,
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return io.ReadAll(r)
}

func formatMinor(amount int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", amount/100, amount%100, currency)
}
