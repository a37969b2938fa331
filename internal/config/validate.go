package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.Pricing.MarketValueMultiplier <= 0 {
		return errors.New("pricing.market_value_multiplier must be > 0")
	}
	if c.Pricing.MaxPricePercent <= 0 || c.Pricing.MaxPricePercent > 1 {
		return fmt.Errorf("pricing.max_price_percent must be in (0, 1], got %g", c.Pricing.MaxPricePercent)
	}
	if c.Pricing.CapPercent <= 0 || c.Pricing.CapPercent > 1 {
		return fmt.Errorf("pricing.cap_percent must be in (0, 1], got %g", c.Pricing.CapPercent)
	}
	if c.Pricing.MinPrice <= 0 {
		return errors.New("pricing.min_price must be > 0")
	}
	if c.Pricing.IdleInterval < 0 {
		return errors.New("pricing.idle_interval must be >= 0")
	}

	if c.Engine.TickInterval <= 0 {
		return errors.New("engine.tick_interval must be > 0")
	}
	if c.Engine.SweepEvery < 1 {
		return errors.New("engine.sweep_every must be >= 1")
	}

	if c.Storage.DBPath == "" {
		return errors.New("storage.db_path is required")
	}
	if c.Storage.LedgerPath == c.Storage.DBPath {
		return errors.New("storage.ledger_path must differ from storage.db_path")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.API.RateLimit <= 0 || c.API.RateBurst < 1 {
		return errors.New("api.rate_limit must be > 0 and api.rate_burst >= 1")
	}
	if c.API.PageSize < 1 {
		return errors.New("api.page_size must be >= 1")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format must be auto, text, or json, got %q", c.Log.Format)
	}

	for material, limit := range c.Market.Durability {
		if limit < 1 {
			return fmt.Errorf("market.durability.%s must be >= 1, got %d", material, limit)
		}
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("market.families: %w", err)
	}
	return nil
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}
