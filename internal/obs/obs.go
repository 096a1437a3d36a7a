package obs

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type ctxKey int

const keyRID ctxKey = 0

const RequestIDHeader = "X-Request-ID"

func SetupLogger(level string) zerolog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger builds a JSON logger at level, defaulting to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// RequestID middleware: uses X-Request-ID if present, else generates a UUID.
// The ID is echoed in the response, stored in the context and added to the
// request logger as req_id.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := WithReqID(r.Context(), id)
			zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Logger returns a middleware that logs per-request with duration and status.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(logger)(
			RequestID()(
				hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
					hlog.FromRequest(r).Info().
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("remote", r.RemoteAddr).
						Int("status", status).
						Int("size", size).
						Dur("dur", duration).
						Msg("req")
				})(
					hlog.UserAgentHandler("ua")(
						hlog.RefererHandler("referer")(next),
					),
				),
			),
		)
		return h
	}
}

func WithReqID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRID, id)
}

func ReqIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyRID)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
