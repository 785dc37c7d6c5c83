package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/PalmGate/internal/gateway"
	"github.com/AlexKimmel/PalmGate/internal/routing"
)

// Handler forwards requests to the upstream of the route attached by
// gateway.RouteMatcher. Routes without an upstream URL get a 404.
func Handler(tr http.RoundTripper) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		if !ok || rt.UpUrl == nil {
			gateway.WriteError(w, http.StatusNotFound, "no_route", "No upstream for this path")
			return
		}

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(rt.UpUrl)
				pr.SetXForwarded()
				pr.Out.Host = rt.UpUrl.Host
			},
			Transport: tr,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				hlog.FromRequest(r).Error().Err(err).Str("route", rt.ID).Msg("proxy error")
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
					gateway.WriteError(w, http.StatusGatewayTimeout, "upstream_timeout", "Upstream timed out")
					return
				}
				gateway.WriteError(w, http.StatusBadGateway, "upstream_error", "Upstream unavailable")
			},
		}

		ctx := r.Context()
		if rt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rt.Timeout)
			defer cancel()
		}
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}
