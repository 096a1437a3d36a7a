package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/toolgate/internal/ratelimit"
)

type Route struct {
	ID       string
	Methods  map[string]struct{} // empty matches every method
	Prefix   string
	Tier     ratelimit.Tier
	Timeout  time.Duration
	Upstream *url.URL // nil for routes served in-process
}

// NewRoute normalizes prefix and methods and parses upstream when set.
func NewRoute(id, prefix string, methods []string, tier ratelimit.Tier, timeout time.Duration, upstream string) (*Route, error) {
	if id == "" {
		return nil, fmt.Errorf("route id is required")
	}
	rt := &Route{
		ID:      id,
		Prefix:  normalizePrefix(prefix),
		Methods: make(map[string]struct{}, len(methods)),
		Tier:    tier,
		Timeout: timeout,
	}
	if rt.Tier == "" {
		rt.Tier = ratelimit.TierDefault
	}
	for _, m := range methods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			rt.Methods[m] = struct{}{}
		}
	}
	if upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: parse upstream: %w", id, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %s: upstream %q must be an absolute URL", id, upstream)
		}
		rt.Upstream = u
	}
	return rt, nil
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set and path prefix accept the
// request. Routes are checked in insertion order.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := normalizePrefix(rt.Prefix)
		if prefix == "/" || path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

func normalizePrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
