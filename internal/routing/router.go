package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Route struct {
	ID      string
	Methods map[string]struct{} // empty matches any method
	Prefix  string
	UpUrl   *url.URL // nil when served by a local handler
	Timeout time.Duration
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set and prefix accept the request.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		if underPrefix(path, normalize(rt.Prefix)) {
			return rt, true
		}
	}
	return nil, false
}

// Prefixes is the set of path prefixes guarded by admission control.
type Prefixes []string

func NewPrefixes(raw ...string) Prefixes {
	out := make(Prefixes, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, normalize(p))
	}
	return out
}

func (p Prefixes) Match(path string) bool {
	for _, prefix := range p {
		if underPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func normalize(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}

// "/api" covers "/api" and "/api/x" but not "/apix".
func underPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}

// RouteID is the route label used in logs and metrics.
func RouteID(r *http.Request) string {
	if rt, ok := RouteFrom(r); ok && rt != nil && rt.ID != "" {
		return rt.ID
	}
	return "unmatched"
}
