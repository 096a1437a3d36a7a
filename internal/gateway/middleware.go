package gateway

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// SkipSet is a set of exact paths that bypass a middleware.
type SkipSet map[string]struct{}

func NewSkipSet(paths ...string) SkipSet {
	s := make(SkipSet, len(paths))
	for _, p := range paths {
		if p != "" {
			s[p] = struct{}{}
		}
	}
	return s
}

func (s SkipSet) Has(path string) bool {
	_, ok := s[path]
	return ok
}
