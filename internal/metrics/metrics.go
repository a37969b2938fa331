// Package metrics provides Prometheus instrumentation for the market.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "mini_market"

// Metrics holds all Prometheus metrics for the market. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Trade metrics
	Purchases      *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	UnitsTraded    *prometheus.CounterVec
	CurrencyTraded prometheus.Counter
	Listed         *prometheus.CounterVec

	// Pricing metrics
	PassesTotal   *prometheus.CounterVec
	PassDuration  prometheus.Histogram
	Commodities   prometheus.Gauge
	Budget        prometheus.Gauge
	RealizedValue prometheus.Gauge
	Price         *prometheus.GaugeVec

	// Normalizer metrics
	NormalizedWrites prometheus.Counter

	// API metrics
	Requests        *prometheus.CounterVec
	RateLimited     prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance registered on its own registry, along
// with the Go and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Trade metrics
		Purchases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "purchases_total",
			Help:      "Completed purchases by kind",
		}, []string{"kind"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "rejections_total",
			Help:      "Rejected purchases by reason",
		}, []string{"reason"}),
		UnitsTraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "units_total",
			Help:      "Base units bought, by commodity",
		}, []string{"commodity"}),
		CurrencyTraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "currency_total",
			Help:      "Currency paid by buyers to sellers",
		}),
		Listed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "listed_total",
			Help:      "Items listed for sale, by source",
		}, []string{"source"}),

		// Pricing metrics
		PassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "passes_total",
			Help:      "Recalculation passes by outcome",
		}, []string{"outcome"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "pass_duration_seconds",
			Help:      "Duration of recalculation passes that ran",
			Buckets:   prometheus.DefBuckets,
		}),
		Commodities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "commodities",
			Help:      "Distinct commodities priced in the last pass",
		}),
		Budget: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "budget",
			Help:      "Market value budget of the last pass",
		}),
		RealizedValue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "realized_value",
			Help:      "Sum of price times quantity after the last pass",
		}),
		Price: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "price",
			Help:      "Current unit price by commodity",
		}, []string{"commodity"}),

		NormalizedWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "writes_total",
			Help:      "Listings written or removed by normalization",
		}),

		// API metrics
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-IP limiter",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObservePurchase records a completed purchase.
func (m *Metrics) ObservePurchase(kind, commodity string, units, cost float64) {
	if m == nil {
		return
	}
	m.Purchases.WithLabelValues(kind).Inc()
	m.UnitsTraded.WithLabelValues(commodity).Add(units)
	m.CurrencyTraded.Add(cost)
}

// ObserveRejection records a rejected purchase.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// ObserveListed records items moved from inventory into listings.
func (m *Metrics) ObserveListed(source string, units float64) {
	if m == nil {
		return
	}
	m.Listed.WithLabelValues(source).Add(units)
}

// ObservePass records a recalculation pass outcome: "ran", "skipped", or
// "failed".
func (m *Metrics) ObservePass(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(outcome).Inc()
	if outcome == "ran" {
		m.PassDuration.Observe(took.Seconds())
	}
}

// ObservePrices publishes the prices and totals of a pass.
func (m *Metrics) ObservePrices(prices map[string]float64, budget, realized float64, normalized int) {
	if m == nil {
		return
	}
	m.Price.Reset()
	for key, p := range prices {
		m.Price.WithLabelValues(key).Set(p)
	}
	m.Commodities.Set(float64(len(prices)))
	m.Budget.Set(budget)
	m.RealizedValue.Set(realized)
	m.NormalizedWrites.Add(float64(normalized))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(took.Seconds())
}

// ObserveRateLimited records a request dropped by the limiter.
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
