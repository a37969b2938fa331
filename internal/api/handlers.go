package api

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/talgya/mini-market/internal/demand"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/session"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"name":          "mini-market",
		"sessions":      s.Sessions.Len(),
		"recalculating": s.Scheduler != nil && s.Scheduler.Busy(),
	}
	if s.Loop != nil {
		status["tick"] = s.Loop.CurrentTick()
		status["uptime"] = s.Loop.Uptime().String()
	}
	if s.Ledger != nil {
		if total, err := s.Ledger.TotalCurrency(r.Context()); err == nil {
			status["currency"] = total.StringFixed(2)
		}
	}
	writeJSON(w, status)
}

// marketPage is one page of the market view.
type marketPage struct {
	Page    int                   `json:"page"`
	Pages   int                   `json:"pages"`
	Total   int                   `json:"total"`
	Entries []pricing.MarketEntry `json:"entries"`
}

// handleMarket serves the paged market. With a session token the page is
// remembered, so a bare request returns to where the participant was.
func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(sessionHeader)
	page := 1
	if token != "" {
		c, err := s.Sessions.Get(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if c.Page > 0 {
			page = c.Page
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeError(w, economy.Invalid("page", "must be a positive integer"))
			return
		}
		page = n
	}

	entries, err := s.Pricing.Aggregates(r.Context(), s.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	pages := max(1, (len(entries)+s.PageSize-1)/s.PageSize)
	page = min(page, pages)
	start := (page - 1) * s.PageSize
	end := min(start+s.PageSize, len(entries))

	if token != "" {
		_, _ = s.Sessions.Update(token, func(c *session.Context) {
			c.View = session.ViewMarket
			c.Page = page
		})
	}
	writeJSON(w, marketPage{Page: page, Pages: pages, Total: len(entries), Entries: entries[start:end]})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, economy.Invalid("key", "is required"))
		return
	}
	var listings []*economy.Listing
	err := s.DB.View(r.Context(), func(tx *persistence.Tx) error {
		var err error
		listings, err = tx.ListingsByKey(r.Context(), key)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if listings == nil {
		listings = []*economy.Listing{}
	}
	if token := r.Header.Get(sessionHeader); token != "" {
		_, _ = s.Sessions.Update(token, func(c *session.Context) { c.View = session.ViewListings })
	}
	writeJSON(w, map[string]any{
		"commodity_key": key,
		"name":          s.Inventory.DisplayName(key),
		"total":         economy.TotalQuantity(listings),
		"listings":      listings,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")
	if participant == "" {
		participant = economy.GlobalParticipant
	}
	var stats *economy.Stats
	err := s.DB.View(r.Context(), func(tx *persistence.Tx) error {
		var err error
		stats, err = tx.Stats(r.Context(), participant)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleDemand(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, economy.Invalid("key", "is required"))
		return
	}
	windows, err := s.Demand.WindowStats(r.Context(), key, s.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"commodity_key": key,
		"windows":       windows,
		"score":         demand.Summarize(windows),
	})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")
	if participant == "" {
		writeError(w, economy.Invalid("participant", "is required"))
		return
	}
	balance, err := s.Ledger.Balance(r.Context(), participant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"participant": participant,
		"balance":     balance.StringFixed(2),
		"stacks":      s.Inventory.Stacks(participant),
	})
}

func (s *Server) handleAutoSellRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.Exchange.AutoSellRules(r.Context(), r.URL.Query().Get("participant"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []persistence.AutoSellRule{}
	}
	writeJSON(w, rules)
}

// ── Sessions ────────────────────────────────────────────────────────

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participant string `json:"participant"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Participant == "" {
		writeError(w, economy.Invalid("participant", "is required"))
		return
	}
	writeJSON(w, s.Sessions.Open(req.Participant))
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.Sessions.Get(r.Header.Get(sessionHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Close(r.Header.Get(sessionHeader)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionSelect stores a purchase awaiting confirmation.
func (s *Server) handleSessionSelect(w http.ResponseWriter, r *http.Request) {
	var sel session.Selection
	if !decode(w, r, &sel) {
		return
	}
	if sel.Key == "" {
		writeError(w, economy.Invalid("commodity_key", "is required"))
		return
	}
	if _, ok := parseQuantity(sel.Quantity); !ok {
		writeError(w, economy.Invalid("quantity", "must be a positive integer"))
		return
	}
	c, err := s.Sessions.Update(r.Header.Get(sessionHeader), func(c *session.Context) {
		c.Pending = &sel
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, c)
}

// handleSessionConfirm executes the pending selection and clears it,
// whether or not the purchase went through.
func (s *Server) handleSessionConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(sessionHeader)
	c, err := s.Sessions.Get(token)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.Pending == nil {
		writeError(w, economy.Reject(economy.ErrNotFound, "Nothing selected."))
		return
	}
	_, _ = s.Sessions.Update(token, func(c *session.Context) { c.Pending = nil })

	sel := *c.Pending
	qty, _ := parseQuantity(sel.Quantity)
	ctx := r.Context()
	var (
		receipt any
		buyErr  error
	)
	switch {
	case sel.Level > 0:
		receipt, buyErr = s.Exchange.BuyEnchanted(ctx, c.Participant, sel.Key, sel.Level, qty)
	case sel.Bulk:
		receipt, buyErr = s.Exchange.BuyBulk(ctx, c.Participant, sel.Key, qty)
	default:
		receipt, buyErr = s.Exchange.Buy(ctx, c.Participant, sel.Key, qty)
	}
	if buyErr != nil {
		writeError(w, buyErr)
		return
	}
	writeJSON(w, receipt)
}

func parseQuantity(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() <= 0 {
		return nil, false
	}
	return n, true
}
