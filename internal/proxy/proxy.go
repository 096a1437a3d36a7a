package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/toolgate/internal/apierr"
	"github.com/AlexKimmel/toolgate/internal/obs"
	"github.com/AlexKimmel/toolgate/internal/routing"
)

// NewHTTPTransport is the outbound transport shared by the reverse proxy and
// the lookup clients.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Handler forwards to the matched route's upstream with the route prefix
// stripped. Reverse proxies are built once per route.
func Handler(tr http.RoundTripper) http.Handler {
	var proxies sync.Map // route ID -> *httputil.ReverseProxy

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		if !ok || rt.Upstream == nil {
			apierr.Write(w, http.StatusNotFound, "no_route", "no matching route", nil)
			return
		}

		v, ok := proxies.Load(rt.ID)
		if !ok {
			v, _ = proxies.LoadOrStore(rt.ID, newReverseProxy(rt, tr))
		}

		// per-route timeout
		ctx := r.Context()
		if rt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rt.Timeout)
			defer cancel()
		}
		v.(*httputil.ReverseProxy).ServeHTTP(w, r.WithContext(ctx))
	})
}

func newReverseProxy(rt *routing.Route, tr http.RoundTripper) *httputil.ReverseProxy {
	up := rt.Upstream
	prefix := strings.TrimSuffix(rt.Prefix, "/")

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(up)
			rest := strings.TrimPrefix(pr.In.URL.Path, prefix)
			if rest != "" && !strings.HasPrefix(rest, "/") {
				rest = "/" + rest
			}
			pr.Out.URL.Path = singleJoin(up.Path, rest)
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
			if id, ok := obs.ReqIDFrom(pr.In.Context()); ok {
				pr.Out.Header.Set(obs.RequestIDHeader, id)
			}
		},
		Transport: tr,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			hlog.FromRequest(r).Warn().Err(err).Str("route", rt.ID).Msg("upstream request failed")
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
				apierr.Write(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not answer in time", nil)
				return
			}
			apierr.Write(w, http.StatusBadGateway, "upstream_error", "upstream request failed", nil)
		},
	}
}

func singleJoin(a, b string) string {
	switch {
	case a == "" && b == "":
		return "/"
	case b == "":
		return a
	case a == "":
		return b
	}
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}
