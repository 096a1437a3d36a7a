package gateway

import (
	"net/http"

	"github.com/AlexKimmel/toolgate/internal/routing"
)

// RouteMatcher stores the matched route in the request context. Unmatched
// requests pass through without a route and are limited under the default tier.
func RouteMatcher(rr *routing.Router, skip SkipSet) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip.Has(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
