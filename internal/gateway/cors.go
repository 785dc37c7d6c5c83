package gateway

import (
	"net/http"

	"github.com/AlexKimmel/PalmGate/internal/routing"
)

type CORSPolicy struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
}

func DefaultCORS() CORSPolicy {
	return CORSPolicy{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		AllowHeaders: "Content-Type, Authorization",
	}
}

// CORS sets the policy headers on every response under a guarded prefix,
// rejections included, and answers preflight requests itself.
func CORS(p CORSPolicy, guarded routing.Prefixes) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guarded.Match(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", p.AllowOrigin)
			h.Set("Access-Control-Allow-Methods", p.AllowMethods)
			h.Set("Access-Control-Allow-Headers", p.AllowHeaders)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
