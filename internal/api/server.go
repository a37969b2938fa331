// Package api provides the HTTP API for the marketplace.
// GET endpoints are public (read-only market views).
// Trading endpoints are rate limited per client.
// Admin endpoints (recalculate, grant, give) require a bearer token.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/talgya/mini-market/internal/demand"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/engine"
	"github.com/talgya/mini-market/internal/inventory"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/persistence"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/session"
	"github.com/talgya/mini-market/internal/trade"
)

// sessionHeader carries the session token on browsing requests.
const sessionHeader = "X-Session-Token"

// Server serves the market over HTTP.
type Server struct {
	Exchange  *trade.Exchange
	Pricing   *pricing.Engine
	Scheduler *pricing.Scheduler
	Demand    *demand.Tracker
	DB        *persistence.DB
	Ledger    ledger.Ledger
	Inventory *inventory.Memory
	Sessions  *session.Manager
	Metrics   *metrics.Metrics
	Loop      *engine.Engine // Optional; reported by /status
	Limiter   *RateLimiter   // Nil disables rate limiting
	Port      int
	AdminKey  string // Bearer token for admin endpoints. Empty = admin disabled.
	PageSize  int

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.PageSize < 1 {
		s.PageSize = 28
	}
	limited := func(h http.HandlerFunc) http.HandlerFunc {
		if s.Limiter == nil {
			return h
		}
		return RateLimitMiddleware(s.Limiter, s.Metrics, h)
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/market", s.handleMarket)
	mux.HandleFunc("GET /api/v1/listings", s.handleListings)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/demand", s.handleDemand)
	mux.HandleFunc("GET /api/v1/inventory", s.handleInventory)
	mux.HandleFunc("GET /api/v1/autosell", s.handleAutoSellRules)
	mux.Handle("GET /metrics", s.Metrics.Handler())

	// Sessions.
	mux.HandleFunc("POST /api/v1/session", limited(s.handleSessionOpen))
	mux.HandleFunc("GET /api/v1/session", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/v1/session", s.handleSessionClose)
	mux.HandleFunc("POST /api/v1/session/select", limited(s.handleSessionSelect))
	mux.HandleFunc("POST /api/v1/session/confirm", limited(s.handleSessionConfirm))

	// Trading (POST, rate limited).
	mux.HandleFunc("POST /api/v1/buy", limited(s.handleBuy))
	mux.HandleFunc("POST /api/v1/buy/bulk", limited(s.handleBuyBulk))
	mux.HandleFunc("POST /api/v1/buy/enchanted", limited(s.handleBuyEnchanted))
	mux.HandleFunc("POST /api/v1/sell", limited(s.handleSell))
	mux.HandleFunc("POST /api/v1/withdraw", limited(s.handleWithdraw))
	mux.HandleFunc("POST /api/v1/autosell", limited(s.handleAutoSell))

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("POST /api/v1/recalculate", s.adminOnly(s.handleRecalculate))
	mux.HandleFunc("POST /api/v1/admin/grant", s.adminOnly(s.handleGrant))
	mux.HandleFunc("POST /api/v1/admin/give", s.adminOnly(s.handleGive))

	return corsMiddleware(s.instrument(mux))
}

// Start begins serving the HTTP API in a goroutine. The returned server is
// for shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "rate_limited", s.Limiter != nil)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+sessionHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.Metrics.ObserveRequest(route, rec.status, time.Since(start))
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no MARKET_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Quantity is a JSON integer of any size, given as a number or a string.
type Quantity struct {
	*big.Int
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid quantity %q", s)
	}
	q.Int = n
	return nil
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps domain errors to status codes. Rejections carry a
// message meant for the participant; storage details stay in the log.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve  *economy.ValidationError
		rej *economy.RejectError
		rec *economy.RecalculationError
	)
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.As(err, &rej) && errors.Is(rej, economy.ErrNotFound):
		http.Error(w, rej.Message, http.StatusNotFound)
	case errors.As(err, &rej):
		http.Error(w, rej.Message, http.StatusConflict)
	case errors.Is(err, session.ErrNoSession):
		http.Error(w, "no open session", http.StatusNotFound)
	case errors.As(err, &rec):
		http.Error(w, "recalculation failed, try again", http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
