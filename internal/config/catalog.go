package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const DemoTariff = "demo"

// Tariff is a purchasable bundle of days. Price is in major currency units.
type Tariff struct {
	Key      string  `mapstructure:"key" json:"key"`
	Name     string  `mapstructure:"name" json:"name"`
	Days     int     `mapstructure:"days" json:"days"`
	Price    float64 `mapstructure:"price" json:"price"`
	Currency string  `mapstructure:"currency" json:"currency"`
	Free     bool    `mapstructure:"free" json:"free"`
}

// PriceMinor returns the price in minor units (kopecks, cents).
func (t Tariff) PriceMinor() int64 {
	return int64(math.Round(t.Price * 100))
}

type Reward struct {
	Days        int    `mapstructure:"days" json:"days"`
	DelayDays   int    `mapstructure:"delayDays" json:"delay_days"`
	Description string `mapstructure:"description" json:"description"`
}

type Rewards struct {
	BotCreated           Reward `mapstructure:"botCreated"`
	FirstPaymentReferrer Reward `mapstructure:"firstPaymentReferrer"`
	FirstPaymentReferred Reward `mapstructure:"firstPaymentReferred"`
}

type AbuseLimits struct {
	MaxReferralsPerDay int `mapstructure:"maxReferralsPerDay"`
	WindowHours        int `mapstructure:"windowHours"`
}

// Catalog is the hot-reloadable commercial configuration.
type Catalog struct {
	Tariffs    []Tariff    `mapstructure:"tariffs"`
	Rewards    Rewards     `mapstructure:"rewards"`
	Abuse      AbuseLimits `mapstructure:"abuse"`
	StarsToRub float64     `mapstructure:"starsToRub"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Tariffs: []Tariff{
			{Key: DemoTariff, Name: "Demo", Days: 10, Price: 0, Currency: "RUB", Free: true},
			{Key: "monthly", Name: "Monthly", Days: 30, Price: 199, Currency: "RUB"},
			{Key: "quarterly", Name: "Quarterly", Days: 90, Price: 490, Currency: "RUB"},
			{Key: "yearly", Name: "Yearly", Days: 365, Price: 1490, Currency: "RUB"},
		},
		Rewards: Rewards{
			BotCreated:           Reward{Days: 7, DelayDays: 3, Description: "referred account created a resource"},
			FirstPaymentReferrer: Reward{Days: 15, Description: "referred account made a first payment"},
			FirstPaymentReferred: Reward{Days: 10, Description: "welcome bonus for the first payment"},
		},
		Abuse: AbuseLimits{
			MaxReferralsPerDay: 10,
			WindowHours:        24,
		},
		StarsToRub: 7.0,
	}
}

// Tariff looks a tariff up by its slug key.
func (c Catalog) Tariff(key string) (Tariff, bool) {
	key = slug.Make(strings.TrimSpace(key))
	for _, t := range c.Tariffs {
		if t.Key == key {
			return t, true
		}
	}
	return Tariff{}, false
}

// PaidTariffs returns the non-free tariffs ordered by price.
func (c Catalog) PaidTariffs() []Tariff {
	out := make([]Tariff, 0, len(c.Tariffs))
	for _, t := range c.Tariffs {
		if t.Free {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

func (c Catalog) normalize() Catalog {
	tariffs := make([]Tariff, len(c.Tariffs))
	for i, t := range c.Tariffs {
		t.Key = slug.Make(t.Key)
		if t.Key == "" {
			t.Key = slug.Make(t.Name)
		}
		t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
		if t.Currency == "" {
			t.Currency = "RUB"
		}
		tariffs[i] = t
	}
	c.Tariffs = tariffs
	return c
}

func validateCatalog(c Catalog) error {
	if len(c.Tariffs) == 0 {
		return errors.New("catalog.tariffs cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, t := range c.Tariffs {
		if t.Key == "" {
			return errors.New("catalog tariff key is required")
		}
		if _, ok := seen[t.Key]; ok {
			return fmt.Errorf("duplicate tariff %q", t.Key)
		}
		seen[t.Key] = struct{}{}
		if t.Days <= 0 {
			return fmt.Errorf("tariff %q must grant days", t.Key)
		}
		if !t.Free && t.Price <= 0 {
			return fmt.Errorf("tariff %q must have a price", t.Key)
		}
	}
	for name, r := range map[string]Reward{
		"botCreated":           c.Rewards.BotCreated,
		"firstPaymentReferrer": c.Rewards.FirstPaymentReferrer,
		"firstPaymentReferred": c.Rewards.FirstPaymentReferred,
	} {
		if r.Days < 0 || r.DelayDays < 0 {
			return fmt.Errorf("reward %s cannot be negative", name)
		}
	}
	if c.Abuse.MaxReferralsPerDay <= 0 || c.Abuse.WindowHours <= 0 {
		return errors.New("catalog.abuse limits must be positive")
	}
	if c.StarsToRub <= 0 {
		return errors.New("catalog.starsToRub must be positive")
	}
	return nil
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder serves a fixed catalog.
func NewStaticCatalogHolder(c Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(c.normalize())
	return holder
}

// NewCatalogHolder reads catalog.yaml and keeps it reloaded on change.
// A missing file falls back to DefaultCatalog.
func NewCatalogHolder(cfg Config, log *zap.Logger) (*CatalogHolder, error) {
	log = log.Named("config.catalog")
	v := viper.New()

	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/dayledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DAYLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCatalog()
	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		found = false
	}

	current := defaults
	if found {
		parsed, err := decodeCatalog(v, defaults)
		if err != nil {
			return nil, err
		}
		current = parsed
	}
	if err := validateCatalog(current.normalize()); err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(current)
	if !found {
		log.Info("catalog file not found, using defaults")
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v, defaults)
		if err != nil {
			log.Warn("catalog reload failed", zap.Error(err))
			return
		}
		if err := validateCatalog(updated.normalize()); err != nil {
			log.Warn("invalid catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated.normalize())
		log.Info("catalog reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func decodeCatalog(v *viper.Viper, defaults Catalog) (Catalog, error) {
	out := defaults
	out.Tariffs = nil
	if err := v.UnmarshalKey("catalog", &out); err != nil {
		return Catalog{}, err
	}
	if len(out.Tariffs) == 0 {
		out.Tariffs = defaults.Tariffs
	}
	return out, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}
