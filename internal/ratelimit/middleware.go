package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/peyvandtel/broker/internal/auth"
)

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// WriteLimited responds with 429 and the JSON error envelope.
func WriteLimited(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "rate_limited",
			"message": message,
		},
	})
}

// Middleware enforces the per-user limit. It expects the principal set by
// auth.UserAuthMiddleware; its RateLimit overrides the default rate.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining tokens remaining in the current window
//	X-RateLimit-Reset     Unix timestamp when the bucket is fully replenished
func Middleware(limiter *Limiter, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFromContext(r.Context())
			if p == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take("user:"+p.UserID, p.RateLimit)
			SetHeaders(w, d)
			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				WriteLimited(w, "Rate limit exceeded. Try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
