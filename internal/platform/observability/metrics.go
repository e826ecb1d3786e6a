package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

const metricsNamespace = "storefront"

// Metrics holds the Prometheus collectors of the checkout service on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	quotesRequested *prometheus.CounterVec
	quotesDropped   *prometheus.CounterVec
	quotesFailed    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	upstreamLatency *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

var _ services.CheckoutMetrics = (*Metrics)(nil)

// NewMetrics registers the checkout collectors plus the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		quotesRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "quotes_requested_total",
			Help:      "Pricing quotes sent to the pricing collaborator.",
		}, nil),
		quotesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "quotes_dropped_total",
			Help:      "Quote responses discarded before being applied.",
		}, []string{"reason"}),
		quotesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "quotes_failed_total",
			Help:      "Quote failures by classified kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "status_transitions_total",
			Help:      "Checkout readiness transitions.",
		}, []string{"from", "to"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "settlements_total",
			Help:      "Finished settlements by mode and outcome.",
		}, []string{"mode", "outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "sessions_active",
			Help:      "Checkout sessions currently held in memory.",
		}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Collaborator call latency.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"service", "op", "status"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Collaborator calls that returned an error.",
		}, []string{"service", "op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.quotesRequested,
		m.quotesDropped,
		m.quotesFailed,
		m.transitions,
		m.settlements,
		m.sessionsActive,
		m.upstreamLatency,
		m.upstreamErrors,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

// Registry exposes the registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) QuoteRequested() { m.quotesRequested.WithLabelValues().Inc() }

func (m *Metrics) QuoteDropped(reason string) { m.quotesDropped.WithLabelValues(reason).Inc() }

func (m *Metrics) QuoteFailed(kind services.ErrorKind) {
	m.quotesFailed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) StatusTransition(from, to services.CheckoutStatus) {
	if from == "" {
		from = "NEW"
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) SettlementFinished(mode services.SettlementMode, outcome string) {
	m.settlements.WithLabelValues(string(mode), outcome).Inc()
}

func (m *Metrics) SessionsActive(n int) { m.sessionsActive.Set(float64(n)) }

// ObserveUpstream matches upstream.Observer so collaborator clients report their calls.
func (m *Metrics) ObserveUpstream(service, op string, status int, elapsed time.Duration, err error) {
	code := "transport"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.upstreamLatency.WithLabelValues(service, op, code).Observe(elapsed.Seconds())
	if err != nil {
		m.upstreamErrors.WithLabelValues(service, op).Inc()
	}
}

// HTTPMiddleware records request counts and latency by chi route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		route := routeLabel(r)
		method := cleanLabel(r.Method, 10)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(recorder.Status())).Inc()
		m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}
