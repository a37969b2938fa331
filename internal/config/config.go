// Package config loads the market daemon's configuration from a YAML file,
// a .env file, and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/talgya/mini-market/internal/commodity"
)

// Config is the full daemon configuration.
type Config struct {
	Market  MarketConfig  `yaml:"market"`
	Pricing PricingConfig `yaml:"pricing"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Log     LogConfig     `yaml:"log"`
}

// MarketConfig describes the tradable commodities.
type MarketConfig struct {
	Families     []commodity.Family `yaml:"families"`
	Durability   map[string]int     `yaml:"durability"`    // Material → max durability
	DisplayNames map[string]string  `yaml:"display_names"` // Material → name override
}

// PricingConfig holds the recalculation parameters.
type PricingConfig struct {
	MarketValueMultiplier float64       `yaml:"market_value_multiplier"`
	MaxPricePercent       float64       `yaml:"max_price_percent"`
	MinPrice              float64       `yaml:"min_price"`
	CapPercent            float64       `yaml:"cap_percent"`
	IdleInterval          time.Duration `yaml:"idle_interval"` // Minimum gap between non-forced passes
}

// EngineConfig controls the foreground loop.
type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	SweepEvery   int           `yaml:"sweep_every"` // Ticks between auto-sell sweeps
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// StorageConfig locates the SQLite files.
type StorageConfig struct {
	DBPath     string `yaml:"db_path"`
	LedgerPath string `yaml:"ledger_path"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Port      int     `yaml:"port"`
	AdminKey  string  `yaml:"admin_key"`
	RateLimit float64 `yaml:"rate_limit"` // Mutating requests per second per client
	RateBurst int     `yaml:"rate_burst"`
	PageSize  int     `yaml:"page_size"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // auto, text, json
	File       string `yaml:"file"`   // Optional rotated log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration. Priority: environment > .env file > YAML file
// > defaults. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	// A missing .env file is normal.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.DBPath = getEnv("MARKET_DB_PATH", c.Storage.DBPath)
	c.Storage.LedgerPath = getEnv("MARKET_LEDGER_PATH", c.Storage.LedgerPath)
	c.API.Port = getEnvInt("MARKET_API_PORT", c.API.Port)
	c.API.AdminKey = getEnv("MARKET_ADMIN_KEY", c.API.AdminKey)
	c.Log.Level = getEnv("MARKET_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("MARKET_LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("MARKET_LOG_FILE", c.Log.File)
	c.Pricing.MinPrice = getEnvFloat("MARKET_MIN_PRICE", c.Pricing.MinPrice)
}

// Registry builds the commodity registry described by the market section.
func (c *Config) Registry() (*commodity.Registry, error) {
	r := commodity.NewRegistry()
	for _, f := range c.Market.Families {
		if err := r.AddFamily(f); err != nil {
			return nil, err
		}
	}
	for material, limit := range c.Market.Durability {
		r.SetMaxDurability(material, limit)
	}
	for material, name := range c.Market.DisplayNames {
		r.SetDisplayName(material, name)
	}
	return r, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
