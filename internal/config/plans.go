package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PlanConfig describes one catalog tier as loaded from plans.yml.
type PlanConfig struct {
	Code                string          `mapstructure:"code"`
	Name                string          `mapstructure:"name"`
	Tier                int             `mapstructure:"tier"`
	PriceCents          int64           `mapstructure:"priceCents"`
	Currency            string          `mapstructure:"currency"`
	Interval            string          `mapstructure:"interval"`
	CreditsPerPeriod    int64           `mapstructure:"creditsPerPeriod"`
	MaxOperationsPerDay int64           `mapstructure:"maxOperationsPerDay"`
	RequestsPerMinute   int             `mapstructure:"requestsPerMinute"`
	RequestsPerHour     int             `mapstructure:"requestsPerHour"`
	Features            map[string]bool `mapstructure:"features"`
	ExternalVariantID   string          `mapstructure:"externalVariantId"`
	Default             bool            `mapstructure:"default"`
}

type PlanCatalogConfig struct {
	Plans []PlanConfig `mapstructure:"plans"`
}

func DefaultPlanCatalog() PlanCatalogConfig {
	return PlanCatalogConfig{
		Plans: []PlanConfig{
			{
				Code: "free", Name: "Free", Tier: 0, Currency: "USD", Interval: "month",
				CreditsPerPeriod: 20, MaxOperationsPerDay: 5,
				RequestsPerMinute: 10, RequestsPerHour: 100,
				Features: map[string]bool{"bulk_import": false, "regeneration": true},
				Default:  true,
			},
			{
				Code: "starter", Name: "Starter", Tier: 1, PriceCents: 900, Currency: "USD", Interval: "month",
				CreditsPerPeriod: 200, MaxOperationsPerDay: 50,
				RequestsPerMinute: 30, RequestsPerHour: 600,
				Features: map[string]bool{"bulk_import": true, "regeneration": true},
			},
			{
				Code: "pro", Name: "Pro", Tier: 2, PriceCents: 2900, Currency: "USD", Interval: "month",
				CreditsPerPeriod: 1000, MaxOperationsPerDay: 200,
				RequestsPerMinute: 60, RequestsPerHour: 2000,
				Features: map[string]bool{"bulk_import": true, "regeneration": true, "priority_queue": true},
			},
			{
				Code: "business", Name: "Business", Tier: 3, PriceCents: 9900, Currency: "USD", Interval: "month",
				CreditsPerPeriod: 5000, MaxOperationsPerDay: 1000,
				RequestsPerMinute: 120, RequestsPerHour: 5000,
				Features: map[string]bool{"bulk_import": true, "regeneration": true, "priority_queue": true},
			},
		},
	}
}

type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalogConfig
}

// NewPlanCatalogHolder reads plans.yml when present and keeps watching it.
// Without a file the built-in catalog is used.
func NewPlanCatalogHolder(log *zap.Logger) (*PlanCatalogHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.plans")

	v := viper.New()
	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/creditguard")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fromFile = false
	}

	cfg := DefaultPlanCatalog()
	if fromFile {
		cfg = PlanCatalogConfig{}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, err
		}
	}
	if err := ValidatePlanCatalog(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPlanCatalog(cfg)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanCatalogConfig
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("plan catalog reload failed", zap.Error(err))
			return
		}
		if err := ValidatePlanCatalog(updated); err != nil {
			log.Warn("invalid plan catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("plan catalog reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticPlanCatalog wraps a fixed catalog, mainly for tests.
func NewStaticPlanCatalog(cfg PlanCatalogConfig) *PlanCatalogHolder {
	holder := &PlanCatalogHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PlanCatalogHolder) Get() PlanCatalogConfig {
	return h.current.Load().(PlanCatalogConfig)
}

func ValidatePlanCatalog(cfg PlanCatalogConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}
	seen := map[string]struct{}{}
	defaults := 0
	for _, p := range cfg.Plans {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			return errors.New("plan code is required")
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("duplicate plan code %q", code)
		}
		seen[code] = struct{}{}
		if p.CreditsPerPeriod < 0 || p.MaxOperationsPerDay <= 0 {
			return fmt.Errorf("plan %q: creditsPerPeriod must be >= 0 and maxOperationsPerDay > 0", code)
		}
		if p.Default {
			defaults++
		}
	}
	if defaults != 1 {
		return fmt.Errorf("exactly one default plan required, got %d", defaults)
	}
	return nil
}
