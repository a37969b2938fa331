package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/demand"
	"github.com/talgya/mini-market/internal/inventory"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/normalize"
	"github.com/talgya/mini-market/internal/persistence"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/session"
	"github.com/talgya/mini-market/internal/trade"
)

const adminKey = "test-admin"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := commodity.DefaultRegistry()
	l := ledger.NewMemory()
	inv := inventory.NewMemory(reg)
	m := metrics.New("test")
	norm := normalize.New(reg, pricing.DefaultParams().MinPrice)
	tracker := demand.NewTracker(db)

	eng := pricing.NewEngine(db, l, norm, reg, pricing.DefaultParams(), m)
	sched := pricing.NewScheduler(eng.Pass, nil, time.Hour)
	t.Cleanup(sched.Close)

	ex := trade.NewExchange(trade.Deps{
		DB:         db,
		Ledger:     l,
		Inventory:  inv,
		Catalog:    inv,
		Registry:   reg,
		Demand:     tracker,
		Recalc:     sched,
		Normalizer: norm,
		Metrics:    m,
		MinPrice:   pricing.DefaultParams().MinPrice,
	})

	return &Server{
		Exchange:  ex,
		Pricing:   eng,
		Scheduler: sched,
		Demand:    tracker,
		DB:        db,
		Ledger:    l,
		Inventory: inv,
		Sessions:  session.NewManager(),
		Metrics:   m,
		AdminKey:  adminKey,
		PageSize:  2,
	}
}

type call struct {
	method string
	path   string
	body   any
	admin  bool
	token  string
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		data, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.RemoteAddr = "203.0.113.7:4000"
	if c.admin {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	if c.token != "" {
		req.Header.Set(sessionHeader, c.token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into), rec.Body.String())
}

// seed gives amy 10 coal to sell and cat 100 crowns, lists the coal, and
// runs a forced pass.
func seed(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, call{method: "POST", path: "/api/v1/admin/grant", admin: true,
		body: map[string]any{"participant": "cat", "amount": "100"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: "POST", path: "/api/v1/admin/give", admin: true,
		body: map[string]any{"participant": "amy", "item": map[string]any{"material": "coal"}, "quantity": 10}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: "POST", path: "/api/v1/sell",
		body: map[string]any{"participant": "amy", "item": map[string]any{"material": "coal"}, "quantity": "10"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: "POST", path: "/api/v1/recalculate", admin: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestServer_SellRecalculateBuy(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	seed(t, h)

	// C = 100: the 1% ceiling caps coal at 1 crown.
	var market marketPage
	decodeBody(t, do(t, h, call{method: "GET", path: "/api/v1/market"}), &market)
	require.Len(t, market.Entries, 1)
	assert.Equal(t, "coal", market.Entries[0].Key)
	assert.Equal(t, 1.0, market.Entries[0].Price)
	assert.Equal(t, int64(10), market.Entries[0].Supply.Int64())

	rec := do(t, h, call{method: "POST", path: "/api/v1/buy",
		body: map[string]any{"participant": "cat", "commodity_key": "coal", "quantity": 2}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt trade.Receipt
	decodeBody(t, rec, &receipt)
	assert.True(t, decimal.NewFromInt(2).Equal(receipt.Total), receipt.Total.String())
	require.Len(t, receipt.Fills, 1)
	assert.Equal(t, "amy", receipt.Fills[0].Seller)

	var holdings struct {
		Balance string            `json:"balance"`
		Stacks  []inventory.Stack `json:"stacks"`
	}
	decodeBody(t, do(t, h, call{method: "GET", path: "/api/v1/inventory?participant=cat"}), &holdings)
	assert.Equal(t, "98.00", holdings.Balance)
	require.Len(t, holdings.Stacks, 1)
	assert.Equal(t, int64(2), holdings.Stacks[0].Quantity.Int64())

	var dem struct {
		Score   int64              `json:"score"`
		Windows demand.WindowStats `json:"windows"`
	}
	decodeBody(t, do(t, h, call{method: "GET", path: "/api/v1/demand?key=coal"}), &dem)
	assert.Equal(t, int64(2), dem.Windows.Hour.Int64())
	assert.Equal(t, int64(1), dem.Score)
}

func TestServer_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	seed(t, h)

	rec := do(t, h, call{method: "POST", path: "/api/v1/buy",
		body: map[string]any{"participant": "cat", "commodity_key": "coal", "quantity": 11}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Only 10 Coal available.\n", rec.Body.String())

	rec = do(t, h, call{method: "POST", path: "/api/v1/buy",
		body: map[string]any{"participant": "cat", "commodity_key": "coal", "quantity": 0}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: "POST", path: "/api/v1/buy",
		body: map[string]any{"participant": "cat", "commodity_key": "coal", "quantity": "lots"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, call{method: "POST", path: "/api/v1/withdraw",
		body: map[string]any{"participant": "bob", "commodity_key": "coal", "quantity": 1}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, call{method: "GET", path: "/api/v1/listings"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AdminAuth(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, call{method: "POST", path: "/api/v1/recalculate"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.AdminKey = ""
	rec = do(t, h, call{method: "POST", path: "/api/v1/recalculate", admin: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_SessionPagingAndConfirm(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	seed(t, h)

	ctx := context.Background()
	for _, material := range []string{"diamond", "emerald"} {
		s.Inventory.Add("amy", commodity.Item{Material: material}, bigInt(3))
		_, err := s.Exchange.Sell(ctx, "amy", commodity.Item{Material: material}, bigInt(3))
		require.NoError(t, err)
	}

	var sess session.Context
	decodeBody(t, do(t, h, call{method: "POST", path: "/api/v1/session",
		body: map[string]any{"participant": "cat"}}), &sess)
	require.NotEmpty(t, sess.Token)

	var page marketPage
	decodeBody(t, do(t, h, call{method: "GET", path: "/api/v1/market?page=2", token: sess.Token}), &page)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.Pages)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "emerald", page.Entries[0].Key)

	// The session remembers the page.
	decodeBody(t, do(t, h, call{method: "GET", path: "/api/v1/market", token: sess.Token}), &page)
	assert.Equal(t, 2, page.Page)

	rec := do(t, h, call{method: "POST", path: "/api/v1/session/select", token: sess.Token,
		body: session.Selection{Key: "coal", Quantity: "3"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: "POST", path: "/api/v1/session/confirm", token: sess.Token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(3), held(s, "cat", "coal"))

	// The selection is consumed.
	rec = do(t, h, call{method: "POST", path: "/api/v1/session/confirm", token: sess.Token})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, call{method: "DELETE", path: "/api/v1/session", token: sess.Token})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, call{method: "GET", path: "/api/v1/session", token: sess.Token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	s := newTestServer(t)
	s.Limiter = NewRateLimiter(0.001, 1)
	h := s.Handler()

	body := map[string]any{"participant": "cat", "commodity_key": "coal", "quantity": 1}
	first := do(t, h, call{method: "POST", path: "/api/v1/buy", body: body})
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := do(t, h, call{method: "POST", path: "/api/v1/buy", body: body})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	// Reads are not limited.
	rec := do(t, h, call{method: "GET", path: "/api/v1/status"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, call{method: "GET", path: "/metrics"})
	assert.Contains(t, rec.Body.String(), "test_api_rate_limited_total 1")
	assert.Contains(t, rec.Body.String(), `test_api_requests_total{route="POST /api/v1/buy",status="4xx"} 2`)
}

func held(s *Server, participant, key string) int64 {
	total := int64(0)
	for _, st := range s.Inventory.Matching(participant, key) {
		total += st.Quantity.Int64()
	}
	return total
}

func bigInt(n int64) *big.Int { return big.NewInt(n) }
