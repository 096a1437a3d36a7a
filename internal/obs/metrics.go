package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/toolgate/internal/gateway"
	"github.com/AlexKimmel/toolgate/internal/ratelimit"
	"github.com/AlexKimmel/toolgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	CacheRequests   *prometheus.CounterVec
	FetchFailures   *prometheus.CounterVec

	reg prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"route", "tier"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"route"},
		),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_cache_requests_total",
				Help: "Cache lookups by cache name and result (hit or miss)",
			},
			[]string{"cache", "result"},
		),
		FetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_cache_fetch_failures_total",
				Help: "Upstream fetches that failed on a cache miss",
			},
			[]string{"cache"},
		),
		reg: reg,
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors,
		m.CacheRequests, m.FetchFailures)
	return m
}

// TrackLimiterBuckets exports count as the number of buckets an in-process
// limiter holds.
func (m *Metrics) TrackLimiterBuckets(count func() int64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "toolgate_limiter_buckets",
			Help: "Rate limiter buckets held in process",
		},
		func() float64 { return float64(count()) },
	))
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) OnLimited(route string, tier ratelimit.Tier) {
	m.RateLimited.WithLabelValues(route, string(tier)).Inc()
}

func (m *Metrics) OnLimiterError(route string) {
	m.LimiterErrors.WithLabelValues(route).Inc()
}

func (m *Metrics) CacheHit(name string)    { m.CacheRequests.WithLabelValues(name, "hit").Inc() }
func (m *Metrics) CacheMiss(name string)   { m.CacheRequests.WithLabelValues(name, "miss").Inc() }
func (m *Metrics) FetchFailed(name string) { m.FetchFailures.WithLabelValues(name).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records per-request metrics.
// It uses the route stored by RouteMatcher (routing.RouteFrom), so it must run
// inside the matcher.
func (m *Metrics) Middleware(skip gateway.SkipSet) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip.Has(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
