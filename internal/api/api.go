// Package api serves the cached lookup routes. Each handler runs behind the
// rate limiter and answers from a read-through cache whose fetch calls the
// upstream under the route timeout.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/toolgate/internal/apierr"
	"github.com/AlexKimmel/toolgate/internal/cache"
	"github.com/AlexKimmel/toolgate/internal/gateway"
	"github.com/AlexKimmel/toolgate/internal/lookup"
)

// Resolver answers DNS queries; *lookup.DoHResolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, name, rrType string) (lookup.DNSAnswer, error)
}

// Envelope is the success body of every cached route.
type Envelope[V any] struct {
	Data      V         `json:"data"`
	Cached    bool      `json:"cached"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Handlers struct {
	IPCache  *cache.ReadThrough[lookup.IPInfo]
	DNSCache *cache.ReadThrough[lookup.DNSAnswer]

	Geo            lookup.GeoLocator
	DNS            Resolver
	ClientIP       gateway.KeyFunc
	UseEdgeHeaders bool // trust CF-* geolocation headers for the caller's own IP

	IPTTL      time.Duration
	DNSTTL     time.Duration
	IPTimeout  time.Duration
	DNSTimeout time.Duration

	Now func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// IPLookup handles GET /api/ip[?ip=].
func (h *Handlers) IPLookup(w http.ResponseWriter, r *http.Request) {
	callerIP := h.ClientIP(r)
	target := r.URL.Query().Get("ip")
	if target == "" {
		target = callerIP
	}
	ip, err := lookup.NormalizeIP(target)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	caller, _ := lookup.NormalizeIP(callerIP)
	own := ip == caller

	fetch := func(ctx context.Context) (lookup.IPInfo, error) {
		if h.UseEdgeHeaders && own {
			if info, ok := lookup.InfoFromHeaders(r.Header, ip); ok {
				return info, nil
			}
		}
		ctx, cancel := withTimeout(ctx, h.IPTimeout)
		defer cancel()
		return h.Geo.Locate(ctx, ip)
	}

	res, err := h.IPCache.Get(r.Context(), "ip:"+ip, h.IPTTL, fetch, h.now())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("ip", ip).Msg("ip lookup failed")
		apierr.WriteError(w, err)
		return
	}
	writeResult(w, res)
}

// DNSLookup handles GET /api/dns?name=&type=.
func (h *Handlers) DNSLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, rrType, err := lookup.NormalizeDNSQuery(q.Get("name"), q.Get("type"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	fetch := func(ctx context.Context) (lookup.DNSAnswer, error) {
		ctx, cancel := withTimeout(ctx, h.DNSTimeout)
		defer cancel()
		return h.DNS.Resolve(ctx, name, rrType)
	}

	res, err := h.DNSCache.Get(r.Context(), "dns:"+name+":"+rrType, h.DNSTTL, fetch, h.now())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("name", name).Str("type", rrType).Msg("dns lookup failed")
		apierr.WriteError(w, err)
		return
	}
	writeResult(w, res)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func writeResult[V any](w http.ResponseWriter, res cache.Result[V]) {
	status := "MISS"
	if res.Hit {
		status = "HIT"
	}
	w.Header().Set("X-Cache", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Envelope[V]{
		Data:      res.Value,
		Cached:    res.Hit,
		StoredAt:  res.StoredAt.UTC(),
		ExpiresAt: res.ExpiresAt.UTC(),
	})
}
