package gateway

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/accountgate/internal/auth"
	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/rs/zerolog/hlog"
)

// RateLimit throttles API callers per key ID on "api:<keyID>". It protects
// the control plane itself and is unrelated to account admission.
func RateLimit(lim ratelimit.Limiter, skipPaths map[string]struct{}, onLimited func(keyID string)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// ops endpoints are never limited
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			keyID, ok := auth.KeyIDFrom(r.Context())
			if !ok || keyID == "" {
				keyID = "anon"
			}

			dec, err := lim.Allow(r.Context(), "api:"+keyID, 1, time.Now())
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Str("key_id", keyID).Msg("api rate limiter failed")
				writeError(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			if dec.Limit.Max > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit.Max))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Max(dec.Remaining, 0))))
			}

			if !dec.Allowed {
				if onLimited != nil {
					onLimited(keyID)
				}
				setRetryAfter(w, dec.RetryAfter)
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// setRetryAfter writes d rounded up to whole seconds.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int64(math.Ceil(d.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
