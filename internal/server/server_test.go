package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/toolgate/internal/api"
	"github.com/AlexKimmel/toolgate/internal/apierr"
	"github.com/AlexKimmel/toolgate/internal/config"
	"github.com/AlexKimmel/toolgate/internal/lookup"
	"github.com/AlexKimmel/toolgate/internal/ratelimit/memory"
)

type stubDNS struct{ calls atomic.Int64 }

func (s *stubDNS) Resolve(_ context.Context, name, rrType string) (lookup.DNSAnswer, error) {
	s.calls.Add(1)
	return lookup.DNSAnswer{Name: name, Type: rrType, Records: []lookup.DNSRecord{{Name: name, Type: rrType, Data: "192.0.2.1"}}}, nil
}

type stubGeo struct{}

func (stubGeo) Locate(_ context.Context, ip string) (lookup.IPInfo, error) {
	return lookup.IPInfo{IP: ip, CountryCode: "NL", Source: "stub"}, nil
}

type testServer struct {
	url string
	dns *stubDNS
}

func newTestServer(t *testing.T, mutate func(*config.Root)) *testServer {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	dns := &stubDNS{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	srv, err := New(context.Background(), Options{
		Config:   cfg,
		Limiter:  memory.New(),
		Version:  "1.2.3",
		Registry: prometheus.NewRegistry(),
		Geo:      stubGeo{},
		DNS:      dns,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Shutdown(context.Background()))
	})
	return &testServer{url: ts.URL, dns: dns}
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestOpsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := get(t, ts.url+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, body)

	_, body = get(t, ts.url+"/version")
	require.JSONEq(t, `{"version":"1.2.3"}`, body)

	resp, body = get(t, ts.url+"/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var env apierr.Response
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	require.Equal(t, "not_found", env.Error.Code)
	require.NotEmpty(t, env.Error.RequestID)
	require.Equal(t, env.Error.RequestID, resp.Header.Get("X-Request-ID"))
}

func TestDNSRouteCachedAndLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Root) {
		cfg.Limits.Tiers["default"] = config.TierLimit{Limit: 3, WindowMS: 60000}
	})

	resp, body := get(t, ts.url+"/api/dns?name=example.com&type=A")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	require.Equal(t, "2", resp.Header.Get("X-RateLimit-Remaining"))

	var env api.Envelope[lookup.DNSAnswer]
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	require.Equal(t, "example.com", env.Data.Name)
	require.False(t, env.Cached)

	resp, body = get(t, ts.url+"/api/dns?name=example.com&type=A")
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	require.Contains(t, body, `"cached":true`)
	require.Equal(t, int64(1), ts.dns.calls.Load())

	resp, _ = get(t, ts.url+"/api/ip")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = get(t, ts.url+"/api/dns?name=example.com&type=A")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "60", resp.Header.Get("Retry-After"))
	require.Contains(t, body, `"retry_after":60`)

	// ops endpoints stay reachable while limited
	resp, _ = get(t, ts.url+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, metrics := get(t, ts.url+"/metrics")
	require.Contains(t, metrics, `toolgate_rate_limited_total{route="dns",tier="default"} 1`)
	require.Contains(t, metrics, `toolgate_cache_requests_total{cache="dns",result="hit"} 1`)
	require.Contains(t, metrics, "toolgate_limiter_buckets 1")
}

func TestAIRouteProxiedUnderAITier(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		assert.Equal(t, "/generate", r.URL.Path)
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer upstream.Close()

	ts := newTestServer(t, func(cfg *config.Root) {
		cfg.Upstream.AI.URL = upstream.URL
		cfg.Limits.Tiers["ai"] = config.TierLimit{Limit: 2, WindowMS: 60000}
	})

	post := func() *http.Response {
		resp, err := http.Post(ts.url+"/api/ai/generate", "application/json", strings.NewReader(`{"prompt":"regex for emails"}`))
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp
	}

	require.Equal(t, http.StatusOK, post().StatusCode)
	resp := post()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))

	resp = post()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "60", resp.Header.Get("Retry-After"))
	require.Equal(t, int64(2), upstreamCalls.Load())

	// the default tier is a separate bucket
	resp, _ = get(t, ts.url+"/api/dns?name=example.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthKeysBecomeIdentity(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Root) {
		cfg.Auth.Keys = []config.APIKey{{ID: "team-a", Secret: "s3cret"}}
	})

	resp, _ := get(t, ts.url+"/api/ip")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.url+"/api/ip", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, ts.url+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode, "health needs no key")
}

func TestNewLimiterRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.Backend = "etcd"
	_, err := NewLimiter(context.Background(), cfg)
	require.Error(t, err)

	cfg.Limits.Backend = "memory"
	lim, err := NewLimiter(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, lim.Close())
}
