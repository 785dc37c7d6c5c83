package gateway

import (
	"net/http"

	"github.com/AlexKimmel/PalmGate/internal/routing"
)

// RouteMatcher attaches the matching route to the request. Unmatched requests
// pass through untouched and the mux decides what to do with them.
func RouteMatcher(rr *routing.Router) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rt, ok := rr.Match(r.Method, r.URL.Path); ok {
				r = routing.WithRoute(r, rt)
			}
			next.ServeHTTP(w, r)
		})
	}
}
