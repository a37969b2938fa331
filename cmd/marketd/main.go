// Command marketd runs the marketplace: the pricing engine, the foreground
// loop, and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/talgya/mini-market/internal/api"
	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/demand"
	"github.com/talgya/mini-market/internal/engine"
	"github.com/talgya/mini-market/internal/inventory"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/normalize"
	"github.com/talgya/mini-market/internal/persistence"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/session"
	"github.com/talgya/mini-market/internal/trade"
)

// tickMetaKey persists the loop tick across restarts.
const tickMetaKey = "last_tick"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// ── Logging ───────────────────────────────────────────────────────
	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.Info("mini-market starting",
		"config", *configPath,
		"db", cfg.Storage.DBPath,
		"ledger", cfg.Storage.LedgerPath,
	)

	// ── Database ──────────────────────────────────────────────────────
	for _, path := range []string{cfg.Storage.DBPath, cfg.Storage.LedgerPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			slog.Error("failed to create data directory", "path", path, "error", err)
			os.Exit(1)
		}
	}
	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	accounts, err := persistence.OpenAccounts(cfg.Storage.LedgerPath)
	if err != nil {
		slog.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer accounts.Close()
	slog.Info("databases opened", "market", cfg.Storage.DBPath, "ledger", cfg.Storage.LedgerPath)

	// ── Commodities ───────────────────────────────────────────────────
	reg, err := cfg.Registry()
	if err != nil {
		slog.Error("invalid commodity table", "error", err)
		os.Exit(1)
	}
	slog.Info("commodity table loaded", "families", len(reg.Families()), "durable", len(reg.Durabilities()))

	// ── Pricing ───────────────────────────────────────────────────────
	m := metrics.New(metrics.DefaultNamespace)
	norm := normalize.New(reg, cfg.Pricing.MinPrice)
	params := pricing.Params{
		MarketValueMultiplier: cfg.Pricing.MarketValueMultiplier,
		MaxPricePercent:       cfg.Pricing.MaxPricePercent,
		MinPrice:              cfg.Pricing.MinPrice,
		CapPercent:            cfg.Pricing.CapPercent,
	}
	priceEngine := pricing.NewEngine(db, accounts, norm, reg, params, m)

	loop := engine.NewEngine()
	loop.Interval = cfg.Engine.TickInterval
	loop.Tick = restoreTick(db)

	sched := pricing.NewScheduler(priceEngine.Pass, func(fn func()) {
		if !loop.Post(fn) {
			fn()
		}
	}, cfg.Pricing.IdleInterval)

	// ── Exchange ──────────────────────────────────────────────────────
	inv := inventory.NewMemory(reg)
	tracker := demand.NewTracker(db)
	exchange := trade.NewExchange(trade.Deps{
		DB:         db,
		Ledger:     accounts,
		Inventory:  inv,
		Catalog:    inv,
		Registry:   reg,
		Demand:     tracker,
		Recalc:     sched,
		Normalizer: norm,
		Metrics:    m,
		MinPrice:   cfg.Pricing.MinPrice,
	})
	sessions := session.NewManager()

	// Prices left over from the last run may predate a config change.
	sched.Trigger(true, func(err error) {
		if err != nil {
			slog.Warn("startup recalculation failed", "error", err)
		}
	})

	// ── Loop callbacks ────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sweeping atomic.Bool
	loop.OnTick = func(tick uint64) {
		if tick%uint64(cfg.Engine.SweepEvery) != 0 || !sweeping.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer sweeping.Store(false)
			if _, err := exchange.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("auto-sell sweep failed", "error", err)
			}
		}()
	}
	loop.OnMinute = func(tick uint64) {
		sched.Trigger(false, nil)
	}
	loop.OnHour = func(tick uint64) {
		expired := sessions.Expire(cfg.Engine.SessionTTL)
		currency, err := accounts.TotalCurrency(ctx)
		if err != nil {
			slog.Warn("hourly summary failed", "error", err)
			return
		}
		slog.Info("hourly summary",
			"tick", tick,
			"sessions", sessions.Len(),
			"expired_sessions", expired,
			"currency", currency.StringFixed(2),
		)
		saveTick(ctx, db, tick)
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("MARKET_ADMIN_KEY not set, admin endpoints will be disabled")
	}
	apiServer := &api.Server{
		Exchange:  exchange,
		Pricing:   priceEngine,
		Scheduler: sched,
		Demand:    tracker,
		DB:        db,
		Ledger:    accounts,
		Inventory: inv,
		Sessions:  sessions,
		Metrics:   m,
		Loop:      loop,
		Limiter:   api.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateBurst),
		Port:      cfg.API.Port,
		AdminKey:  cfg.API.AdminKey,
		PageSize:  cfg.API.PageSize,
	}
	srv := apiServer.Start()

	// ── Start ─────────────────────────────────────────────────────────
	slog.Info("market open", "api", fmt.Sprintf("http://localhost:%d/api/v1/status", cfg.API.Port), "tick", loop.Tick)
	loop.Run(ctx)

	// ── Shutdown ──────────────────────────────────────────────────────
	slog.Info("shutting down")
	loop.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	sched.Close()
	saveTick(shutdownCtx, db, loop.CurrentTick())
	slog.Info("market closed", "tick", loop.CurrentTick())
}

// setupLogging installs the default slog logger. Text output goes to a
// terminal, JSON elsewhere; a configured file receives a rotated copy.
func setupLogging(cfg config.LogConfig) (func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotated)
		closer = func() { rotated.Close() }
	}

	format := cfg.Format
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stdout.Fd()) && cfg.File == "" {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if format == "text" {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

func restoreTick(db *persistence.DB) uint64 {
	var tick uint64
	err := db.View(context.Background(), func(tx *persistence.Tx) error {
		v, err := tx.Meta(context.Background(), tickMetaKey)
		if err != nil || v == "" {
			return err
		}
		tick, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	if err != nil {
		slog.Warn("could not restore tick, starting at zero", "error", err)
		return 0
	}
	return tick
}

func saveTick(ctx context.Context, db *persistence.DB, tick uint64) {
	err := db.Update(ctx, func(tx *persistence.Tx) error {
		return tx.SetMeta(ctx, tickMetaKey, strconv.FormatUint(tick, 10))
	})
	if err != nil {
		slog.Error("tick save failed", "tick", tick, "error", err)
	}
}
