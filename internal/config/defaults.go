package config

import (
	"time"

	"github.com/talgya/mini-market/internal/commodity"
)

// Default values for optional configuration fields.
const (
	DefaultMarketValueMultiplier = 0.5
	DefaultMaxPricePercent       = 0.01
	DefaultMinPrice              = 0.01
	DefaultCapPercent            = 0.20
	DefaultIdleInterval          = 5 * time.Second
	DefaultTickInterval          = 2 * time.Second
	DefaultSweepEvery            = 1
	DefaultSessionTTL            = 30 * time.Minute
	DefaultDBPath                = "data/market.db"
	DefaultLedgerPath            = "data/ledger.db"
	DefaultAPIPort               = 8080
	DefaultRateLimit             = 5
	DefaultRateBurst             = 10
	DefaultPageSize              = 28
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "auto"
	DefaultLogMaxSizeMB          = 100
	DefaultLogMaxBackups         = 5
	DefaultLogMaxAgeDays         = 28
)

func (c *Config) applyDefaults() {
	// Market defaults come from the stock registry.
	stock := commodity.DefaultRegistry()
	if len(c.Market.Families) == 0 {
		c.Market.Families = stock.Families()
	}
	if c.Market.Durability == nil {
		c.Market.Durability = stock.Durabilities()
	}

	// Pricing defaults
	if c.Pricing.MarketValueMultiplier == 0 {
		c.Pricing.MarketValueMultiplier = DefaultMarketValueMultiplier
	}
	if c.Pricing.MaxPricePercent == 0 {
		c.Pricing.MaxPricePercent = DefaultMaxPricePercent
	}
	if c.Pricing.MinPrice == 0 {
		c.Pricing.MinPrice = DefaultMinPrice
	}
	if c.Pricing.CapPercent == 0 {
		c.Pricing.CapPercent = DefaultCapPercent
	}
	if c.Pricing.IdleInterval == 0 {
		c.Pricing.IdleInterval = DefaultIdleInterval
	}

	// Engine defaults
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = DefaultTickInterval
	}
	if c.Engine.SweepEvery == 0 {
		c.Engine.SweepEvery = DefaultSweepEvery
	}
	if c.Engine.SessionTTL == 0 {
		c.Engine.SessionTTL = DefaultSessionTTL
	}

	// Storage defaults
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = DefaultDBPath
	}
	if c.Storage.LedgerPath == "" {
		c.Storage.LedgerPath = DefaultLedgerPath
	}

	// API defaults
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = DefaultRateLimit
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = DefaultRateBurst
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = DefaultPageSize
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}
}
