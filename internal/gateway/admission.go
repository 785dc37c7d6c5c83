package gateway

import (
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/PalmGate/internal/identity"
	"github.com/AlexKimmel/PalmGate/internal/ratelimit"
	"github.com/AlexKimmel/PalmGate/internal/routing"
)

// Admission consults lim for every request under a guarded prefix. Denied
// requests get a 429 and never reach next; everything else passes through.
func Admission(
	lim ratelimit.Limiter,
	guarded routing.Prefixes,
	resolver identity.Resolver,
	onDecision func(routeID string, d ratelimit.Decision),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guarded.Match(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			clientID, ok := identity.ClientIDFrom(r.Context())
			if !ok {
				clientID = resolver.ClientID(r)
			}

			dec := lim.Admit(r.Context(), clientID)
			if onDecision != nil {
				onDecision(routing.RouteID(r), dec)
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))

			if !dec.Allowed() {
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec)))
				hlog.FromRequest(r).Debug().
					Str("client", clientID).
					Dur("retry_after", dec.RetryAfter).
					Msg("admission denied")
				WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d ratelimit.Decision) int {
	sec := int(math.Ceil(d.RetryAfter.Seconds()))
	if sec < 1 {
		return 1
	}
	return sec
}
