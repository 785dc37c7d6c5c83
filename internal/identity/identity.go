package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/PalmGate/internal/ratelimit"
)

type ctxKey int

const keyClientID ctxKey = 0

// Resolver derives the client identity from the network layer.
type Resolver struct {
	// TrustForwardedFor reads X-Forwarded-For / X-Real-IP, but only from peers in TrustedProxies.
	TrustForwardedFor bool
	TrustedProxies    []netip.Prefix
	// Fallback is used when no address is available. Defaults to ratelimit.FallbackClientID.
	Fallback string
}

// ParseTrustedProxies accepts CIDRs and bare addresses.
func ParseTrustedProxies(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// ClientID never returns an empty string.
func (res Resolver) ClientID(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	peer := addr
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		peer = host
	}

	if res.TrustForwardedFor && res.trusted(peer) {
		if id := res.forwardedClient(r.Header.Values("X-Forwarded-For")); id != "" {
			return id
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	if peer != "" {
		return peer
	}
	if res.Fallback != "" {
		return res.Fallback
	}
	return ratelimit.FallbackClientID
}

// forwardedClient walks the hops right to left and returns the first one that
// is not a trusted proxy. Entries left of it are client-controlled.
func (res Resolver) forwardedClient(headers []string) string {
	var hops []string
	for _, h := range headers {
		for _, hop := range strings.Split(h, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(hops[i])
		if err != nil {
			// garbage in the chain; stop before trusting anything further left
			return ""
		}
		if !res.trustedAddr(a) {
			return a.Unmap().String()
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return ""
}

func (res Resolver) trusted(host string) bool {
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return res.trustedAddr(a)
}

func (res Resolver) trustedAddr(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range res.TrustedProxies {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// WithClientID injects the client id into context.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyClientID, id)
}

// ClientIDFrom extracts the client id from context (if present).
func ClientIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyClientID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// Middleware resolves the client once per request and tags the request logger with it.
func (res Resolver) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := res.ClientID(r)

			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("client", id)
			})

			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), id)))
		})
	}
}
