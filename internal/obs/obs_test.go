package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/hlog"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/toolgate/internal/gateway"
	"github.com/AlexKimmel/toolgate/internal/ratelimit"
	"github.com/AlexKimmel/toolgate/internal/routing"
)

func TestLoggerAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	var ctxID string
	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID, _ = ReqIDFrom(r.Context())
		hlog.FromRequest(r).Debug().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/ip", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	require.Equal(t, "req-42", ctxID)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		require.Equal(t, "req-42", entry["req_id"])
	}

	var access map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &access))
	require.Equal(t, "req", access["message"])
	require.EqualValues(t, http.StatusTeapot, access["status"])
	require.Equal(t, "/api/ip", access["path"])
}

func TestRequestIDGenerated(t *testing.T) {
	h := RequestID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	require.NoError(t, err)
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "warn").Info().Msg("hidden")
	require.Empty(t, buf.String())

	NewLogger(&buf, "bogus").Info().Msg("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	rr := routing.New()
	rt, err := routing.NewRoute("dns", "/api/dns", nil, ratelimit.TierDefault, time.Second, "")
	require.NoError(t, err)
	rr.Add(rt)

	h := gateway.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }),
		gateway.RouteMatcher(rr, nil),
		m.Middleware(gateway.NewSkipSet("/metrics")),
	)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/dns", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	m.OnLimited("dns", ratelimit.TierAI)
	m.OnLimiterError("dns")
	m.CacheHit("dns")
	m.CacheMiss("dns")
	m.CacheMiss("dns")
	m.FetchFailed("dns")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`toolgate_requests_total{code="202",method="GET",route="dns"} 1`,
		`toolgate_rate_limited_total{route="dns",tier="ai"} 1`,
		`toolgate_limiter_errors_total{route="dns"} 1`,
		`toolgate_cache_requests_total{cache="dns",result="hit"} 1`,
		`toolgate_cache_requests_total{cache="dns",result="miss"} 2`,
		`toolgate_cache_fetch_failures_total{cache="dns"} 1`,
	} {
		require.Contains(t, body, want)
	}
	require.NotContains(t, body, `route="unknown"`, "skipped paths are not recorded")
}
