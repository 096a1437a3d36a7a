package gateway

import (
	"net/http"
	"strconv"

	"github.com/AlexKimmel/toolgate/internal/apierr"
)

// BodyLimit rejects declared oversize bodies with 413 and caps the rest with
// http.MaxBytesReader.
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.ContentLength > maxBytes {
				apierr.Write(w, http.StatusRequestEntityTooLarge, "body_too_large",
					"request body exceeds "+strconv.FormatInt(maxBytes, 10)+" bytes", nil)
				return
			}
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
