package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
)

type buyRequest struct {
	Participant string   `json:"participant"`
	Key         string   `json:"commodity_key"`
	Quantity    Quantity `json:"quantity"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" {
		writeError(w, economy.Invalid("participant", "is required"))
		return
	}
	receipt, err := s.Exchange.Buy(r.Context(), req.Participant, req.Key, req.Quantity.Int)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, receipt)
}

func (s *Server) handleBuyBulk(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" {
		writeError(w, economy.Invalid("participant", "is required"))
		return
	}
	receipt, err := s.Exchange.BuyBulk(r.Context(), req.Participant, req.Key, req.Quantity.Int)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, receipt)
}

func (s *Server) handleBuyEnchanted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participant string   `json:"participant"`
		Enchantment string   `json:"enchantment"`
		Level       int      `json:"level"`
		Quantity    Quantity `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" {
		writeError(w, economy.Invalid("participant", "is required"))
		return
	}
	receipt, err := s.Exchange.BuyEnchanted(r.Context(), req.Participant, req.Enchantment, req.Level, req.Quantity.Int)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, receipt)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participant string         `json:"participant"`
		Item        commodity.Item `json:"item"`
		Quantity    Quantity       `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" {
		writeError(w, economy.Invalid("participant", "is required"))
		return
	}
	sale, err := s.Exchange.Sell(r.Context(), req.Participant, req.Item, req.Quantity.Int)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, sale)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" {
		writeError(w, economy.Invalid("participant", "is required"))
		return
	}
	item, err := s.Exchange.Withdraw(r.Context(), req.Participant, req.Key, req.Quantity.Int)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"commodity_key": req.Key,
		"item":          item,
		"quantity":      req.Quantity.Int,
	})
}

func (s *Server) handleAutoSell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participant string `json:"participant"`
		Key         string `json:"commodity_key"`
		Enabled     bool   `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.Exchange.SetAutoSell(r.Context(), req.Participant, req.Key, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, req)
}

// ── Admin ───────────────────────────────────────────────────────────

// handleRecalculate runs a forced pass and waits for it.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	done := make(chan error, 1)
	s.Scheduler.Trigger(true, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			writeError(w, err)
			return
		}
	case <-r.Context().Done():
		return
	}

	entries, err := s.Pricing.Aggregates(r.Context(), s.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	prices := make(map[string]float64, len(entries))
	for _, e := range entries {
		prices[e.Key] = e.Price
	}
	slog.Info("forced recalculation", "commodities", len(prices))
	writeJSON(w, map[string]any{"commodities": len(prices), "prices": prices})
}

// handleGrant credits (or, with a negative amount, debits) a participant.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participant string          `json:"participant"`
		Amount      decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" || req.Amount.IsZero() {
		writeError(w, economy.Invalid("grant", "participant and a non-zero amount are required"))
		return
	}
	if err := s.Ledger.Transfer(r.Context(), req.Participant, req.Amount); err != nil {
		if errors.Is(err, economy.ErrInsufficientFunds) {
			http.Error(w, "balance would go negative", http.StatusConflict)
			return
		}
		writeError(w, err)
		return
	}
	balance, err := s.Ledger.Balance(r.Context(), req.Participant)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("balance granted", "participant", req.Participant, "amount", req.Amount.StringFixed(2))
	writeJSON(w, map[string]any{"participant": req.Participant, "balance": balance.StringFixed(2)})
}

// handleGive puts items into a participant's inventory.
func (s *Server) handleGive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participant string         `json:"participant"`
		Item        commodity.Item `json:"item"`
		Quantity    Quantity       `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" || req.Item.Material == "" || req.Quantity.Int == nil || req.Quantity.Sign() <= 0 {
		writeError(w, economy.Invalid("give", "participant, item, and a positive quantity are required"))
		return
	}
	if err := s.Inventory.Deliver(r.Context(), req.Participant, req.Item, req.Quantity.Int); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("items given", "participant", req.Participant, "item", commodity.Key(req.Item), "quantity", req.Quantity.String())
	writeJSON(w, map[string]any{"participant": req.Participant, "stacks": s.Inventory.Stacks(req.Participant)})
}
