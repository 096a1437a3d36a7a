package gateway

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/toolgate/internal/apierr"
)

// Recover turns a handler panic into a logged 500 response.
func Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				apierr.Write(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
