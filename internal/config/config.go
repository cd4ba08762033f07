package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis RedisConfig

	Ledger    LedgerConfig
	Lifecycle LifecycleConfig
	Scheduler SchedulerConfig
	Payments  PaymentsConfig
	Notify    NotifyConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig

	MetricsPush MetricsPushConfig

	CatalogPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type LedgerConfig struct {
	InitialTrialDays int
	MaxRetries       int
}

type LifecycleConfig struct {
	RetentionDays     int
	ResourceCeiling   int
	StatusCacheTTL    time.Duration
	StatusCacheSize   int
	ReferralGraceDays int
}

type SchedulerConfig struct {
	Enabled      bool
	DailyAt      string
	ScanInterval time.Duration
	TickInterval time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	EnabledJobs  []string
}

type PaymentsConfig struct {
	TBankShopID    string
	TBankToken     string
	TBankBaseURL   string
	BotUsername    string
	StarsSecret    string
	ProviderToken  string
	DefaultMethod  string
	ReceiptCompany string
}

type NotifyConfig struct {
	AdminWebhookURL string
	AdminIDs        []string
	Timeout         time.Duration
}

type RateLimitConfig struct {
	WebhookRate  float64
	WebhookBurst int
}

type AuthConfig struct {
	BootstrapAPIKey string
}

// MetricsPushConfig selects where business metrics are pushed for
// deployments without a scraper. An empty exporter disables pushing.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "dayledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", EnvDevelopment),
		HTTPPort:          getenv("HTTP_PORT", "8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", ""),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "dayledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", false),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Ledger: LedgerConfig{
			InitialTrialDays: getenvInt("LEDGER_INITIAL_TRIAL_DAYS", 10),
			MaxRetries:       getenvInt("LEDGER_MAX_RETRIES", 5),
		},
		Lifecycle: LifecycleConfig{
			RetentionDays:     getenvInt("LIFECYCLE_RETENTION_DAYS", 7),
			ResourceCeiling:   getenvInt("LIFECYCLE_RESOURCE_CEILING", 5),
			StatusCacheTTL:    getenvDuration("STATUS_CACHE_TTL", 5*time.Minute),
			StatusCacheSize:   getenvInt("STATUS_CACHE_SIZE", 10000),
			ReferralGraceDays: getenvInt("REFERRAL_PENDING_GRACE_DAYS", 14),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getenvBool("SCHEDULER_ENABLED", true),
			DailyAt:      getenv("SCHEDULER_DAILY_AT", "03:00"),
			ScanInterval: getenvDuration("SCHEDULER_SCAN_INTERVAL", time.Hour),
			TickInterval: getenvDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			BatchSize:    getenvInt("SCHEDULER_BATCH_SIZE", 100),
			JobTimeout:   getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Minute),
			EnabledJobs:  splitList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		Payments: PaymentsConfig{
			TBankShopID:    strings.TrimSpace(getenv("T_BANK_SHOP_ID", "")),
			TBankToken:     strings.TrimSpace(getenv("T_BANK_TOKEN", "")),
			TBankBaseURL:   getenv("T_BANK_BASE_URL", "https://pay.tbank.ru/api/v1/invoices"),
			BotUsername:    strings.TrimSpace(getenv("BOT_USERNAME", "")),
			StarsSecret:    strings.TrimSpace(getenv("STARS_WEBHOOK_SECRET", "")),
			ProviderToken:  strings.TrimSpace(getenv("STARS_PROVIDER_TOKEN", "")),
			DefaultMethod:  strings.ToLower(getenv("PAYMENT_PROVIDER", "tbank")),
			ReceiptCompany: getenv("RECEIPT_COMPANY", "dayledger"),
		},
		Notify: NotifyConfig{
			AdminWebhookURL: strings.TrimSpace(getenv("ADMIN_WEBHOOK_URL", "")),
			AdminIDs:        splitList(getenv("ADMIN_IDS", "")),
			Timeout:         getenvDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			WebhookRate:  getenvFloat("WEBHOOK_RATE_PER_SECOND", 20),
			WebhookBurst: getenvInt("WEBHOOK_RATE_BURST", 40),
		},
		Auth: AuthConfig{
			BootstrapAPIKey: strings.TrimSpace(getenv("ADMIN_API_KEY", "")),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},
		CatalogPath: strings.TrimSpace(getenv("CATALOG_PATH", "")),
	}

	return cfg
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.DBType {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_TYPE %q", c.DBType))
	}
	if c.Ledger.InitialTrialDays < 0 {
		errs = append(errs, errors.New("LEDGER_INITIAL_TRIAL_DAYS must not be negative"))
	}
	if c.Ledger.MaxRetries <= 0 {
		errs = append(errs, errors.New("LEDGER_MAX_RETRIES must be positive"))
	}
	if c.Lifecycle.RetentionDays <= 0 {
		errs = append(errs, errors.New("LIFECYCLE_RETENTION_DAYS must be positive"))
	}
	if c.Lifecycle.ResourceCeiling <= 0 {
		errs = append(errs, errors.New("LIFECYCLE_RESOURCE_CEILING must be positive"))
	}
	if _, _, err := ParseTimeOfDay(c.Scheduler.DailyAt); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.ScanInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_SCAN_INTERVAL must be positive"))
	}
	if c.RateLimit.WebhookRate <= 0 || c.RateLimit.WebhookBurst <= 0 {
		errs = append(errs, errors.New("webhook rate limit must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// ParseTimeOfDay parses an "HH:MM" wall clock value.
func ParseTimeOfDay(raw string) (int, int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", raw, err)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
