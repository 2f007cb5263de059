package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultFallbackUnitCost is charged per analysed document when the company
// has no active subscription.
const DefaultFallbackUnitCost int64 = 1

// BillingConfig holds hot-reloadable billing tunables.
type BillingConfig struct {
	FallbackUnitCost  int64         `mapstructure:"fallbackUnitCost"`
	RenewalPeriodDays int           `mapstructure:"renewalPeriodDays"`
	StuckThreshold    time.Duration `mapstructure:"stuckThreshold"`
	// StuckFailAfter moves a flagged document to ERROR once exceeded. Zero disables it.
	StuckFailAfter time.Duration `mapstructure:"stuckFailAfter"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		FallbackUnitCost:  DefaultFallbackUnitCost,
		RenewalPeriodDays: 30,
		StuckThreshold:    30 * time.Minute,
		StuckFailAfter:    0,
	}
}

// RenewalPeriod returns the subscription period length.
func (c BillingConfig) RenewalPeriod() time.Duration {
	days := c.RenewalPeriodDays
	if days <= 0 {
		days = DefaultBillingConfig().RenewalPeriodDays
	}
	return time.Duration(days) * 24 * time.Hour
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfig returns a holder that never reloads.
func NewStaticBillingConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/fiscaldoc/config")
	v.AddConfigPath("/etc/fiscaldoc")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FISCALDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.fallbackUnitCost", defaults.FallbackUnitCost)
	v.SetDefault("billing.renewalPeriodDays", defaults.RenewalPeriodDays)
	v.SetDefault("billing.stuckThreshold", defaults.StuckThreshold)
	v.SetDefault("billing.stuckFailAfter", defaults.StuckFailAfter)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfig(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			zap.L().Warn("billing config reload failed", zap.Error(err))
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			zap.L().Warn("invalid billing config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		zap.L().Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	if h == nil {
		return DefaultBillingConfig()
	}
	cfg, ok := h.current.Load().(BillingConfig)
	if !ok {
		return DefaultBillingConfig()
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.FallbackUnitCost <= 0 {
		return errors.New("billing.fallbackUnitCost must be positive")
	}
	if cfg.RenewalPeriodDays <= 0 {
		return errors.New("billing.renewalPeriodDays must be positive")
	}
	if cfg.StuckThreshold <= 0 {
		return errors.New("billing.stuckThreshold must be positive")
	}
	if cfg.StuckFailAfter < 0 {
		return errors.New("billing.stuckFailAfter cannot be negative")
	}
	return nil
}
