package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes domain counters on the prometheus registry.
type Metrics struct {
	ledgerMutations     *prometheus.CounterVec
	consumption         *prometheus.CounterVec
	paymentCallbacks    *prometheus.CounterVec
	referralRewards     *prometheus.CounterVec
	referralAbuse       prometheus.Counter
	statusTransitions   *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
	rateLimitDenied     *prometheus.CounterVec
}

// NewProvider configures and registers the OTLP meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.ExporterEndpoint) == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New registers the domain counters.
func New(cfg Config, registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := serviceLabels(cfg)

	m := &Metrics{
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dayledger_ledger_mutations_total",
			Help:        "Ledger balance mutations by transaction type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		consumption: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dayledger_consumption_total",
			Help:        "Daily consumption attempts by outcome and drained balance kind.",
			ConstLabels: constLabels,
		}, []string{"outcome", "kind"}),
		paymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dayledger_payment_callbacks_total",
			Help:        "Payment provider callbacks by provider and outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		referralRewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dayledger_referral_rewards_total",
			Help:        "Referral rewards granted by rule.",
			ConstLabels: constLabels,
		}, []string{"rule"}),
		referralAbuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dayledger_referral_abuse_rejections_total",
			Help:        "Referral edges rejected by the abuse guard.",
			ConstLabels: constLabels,
		}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dayledger_status_transitions_total",
			Help:        "Account status transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dayledger_notifications_failed_total",
			Help:        "Notification deliveries that failed after commit.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dayledger_rate_limit_denied_total",
			Help:        "Requests rejected by the rate limiter.",
			ConstLabels: constLabels,
		}, []string{"endpoint"}),
	}

	for _, c := range []prometheus.Collector{
		m.ledgerMutations,
		m.consumption,
		m.paymentCallbacks,
		m.referralRewards,
		m.referralAbuse,
		m.statusTransitions,
		m.notificationsFailed,
		m.rateLimitDenied,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// NewNoop returns metrics bound to a private registry, for tests and tools.
func NewNoop() *Metrics {
	m, _ := New(Config{}, prometheus.NewRegistry())
	return m
}

func (m *Metrics) RecordLedgerMutation(txType string) {
	if m == nil {
		return
	}
	m.ledgerMutations.WithLabelValues(strings.TrimSpace(txType)).Inc()
}

// RecordConsumption counts one consume attempt. kind is empty on expiry.
func (m *Metrics) RecordConsumption(consumed bool, kind string) {
	if m == nil {
		return
	}
	outcome := "consumed"
	if !consumed {
		outcome = "expired"
		kind = "none"
	}
	m.consumption.WithLabelValues(outcome, kind).Inc()
}

func (m *Metrics) RecordPaymentCallback(provider, outcome string) {
	if m == nil {
		return
	}
	m.paymentCallbacks.WithLabelValues(strings.TrimSpace(provider), strings.TrimSpace(outcome)).Inc()
}

func (m *Metrics) RecordReferralReward(rule string) {
	if m == nil {
		return
	}
	m.referralRewards.WithLabelValues(rule).Inc()
}

func (m *Metrics) RecordReferralAbuse() {
	if m == nil {
		return
	}
	m.referralAbuse.Inc()
}

func (m *Metrics) RecordStatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordNotificationFailure(eventType string) {
	if m == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordRateLimitDenied(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(endpoint).Inc()
}

func serviceLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "dayledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"route":       {},
	"method":      {},
	"status_code": {},
	"provider":    {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
