package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/toolgate/internal/apierr"
	"github.com/AlexKimmel/toolgate/internal/auth"
	"github.com/AlexKimmel/toolgate/internal/ratelimit"
	"github.com/AlexKimmel/toolgate/internal/routing"
)

type RateLimitOptions struct {
	Limiter ratelimit.Limiter
	Tiers   ratelimit.Tiers
	KeyFn   KeyFunc // anonymous identity; defaults to ClientIP(false)
	Skip    SkipSet

	OnLimited func(routeID string, tier ratelimit.Tier)
	OnError   func(routeID string)

	Now func() time.Time
}

// RateLimit admits each request against the bucket "<tier>:<identity>", where
// identity is the API key ID when authenticated and the client IP otherwise.
func RateLimit(opts RateLimitOptions) Middleware {
	if opts.KeyFn == nil {
		opts.KeyFn = ClientIP(false)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if opts.Skip.Has(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			identity, ok := auth.KeyIDFrom(r.Context())
			if !ok || identity == "" {
				identity = opts.KeyFn(r)
			}

			tier := ratelimit.TierDefault
			routeID := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil {
				if rt.Tier != "" {
					tier = rt.Tier
				}
				if rt.ID != "" {
					routeID = rt.ID
				}
			}

			key := ratelimit.BucketKey(tier, identity)
			dec, err := opts.Limiter.Allow(r.Context(), key, opts.Tiers.Policy(tier), opts.Now())
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(routeID)
				}
				hlog.FromRequest(r).Error().Err(err).Str("bucket", key).Msg("rate limiter failed")
				apierr.Write(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error", nil)
				return
			}

			if dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
			}

			if !dec.Allowed {
				if opts.OnLimited != nil {
					opts.OnLimited(routeID, tier)
				}
				hlog.FromRequest(r).Debug().Str("bucket", key).Dur("retry_after", dec.RetryAfter).Msg("rate limited")
				apierr.RateLimited(w, dec.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
