package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	Registry *prometheus.Registry

	breakerState *prometheus.GaugeVec
	calls        *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	orders       *prometheus.CounterVec
	alerts       *prometheus.CounterVec
	marginRatio  *prometheus.GaugeVec
	fills        *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"venue", "class"}),
		calls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exec_venue_call_seconds",
			Help:    "Venue call latency by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"venue", "class", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_venue_retries_total",
			Help: "Transient failures retried.",
		}, []string{"venue", "op"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_rate_limited_total",
			Help: "Calls rejected by the venue rate limiter.",
		}, []string{"venue"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_orders_terminal_total",
			Help: "Orders reaching a terminal state.",
		}, []string{"venue", "state"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_alerts_total",
			Help: "Alerts published by kind.",
		}, []string{"kind"}),
		marginRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_margin_ratio",
			Help: "Latest margin ratio (used margin / equity).",
		}, []string{"account", "venue"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_fills_applied_total",
			Help: "Fills applied to the position ledger.",
		}, []string{"venue"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.breakerState, m.calls, m.retries, m.rateLimited,
		m.orders, m.alerts, m.marginRatio, m.fills,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) SetBreakerState(venue string, class OpClass, s State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(venue, string(class)).Set(float64(s))
}

func (m *Metrics) ObserveCall(venue string, class OpClass, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(venue, string(class), outcome).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(venue, op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(venue, op).Inc()
}

func (m *Metrics) IncRateLimited(venue string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(venue).Inc()
}

func (m *Metrics) IncOrderTerminal(venue, state string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(venue, state).Inc()
}

func (m *Metrics) IncAlert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetMarginRatio(account, venue string, ratio float64) {
	if m == nil {
		return
	}
	m.marginRatio.WithLabelValues(account, venue).Set(ratio)
}

func (m *Metrics) IncFill(venue string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(venue).Inc()
}
