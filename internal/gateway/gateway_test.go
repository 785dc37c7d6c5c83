package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/PalmGate/internal/config"
	"github.com/AlexKimmel/PalmGate/internal/identity"
	"github.com/AlexKimmel/PalmGate/internal/ratelimit"
	"github.com/AlexKimmel/PalmGate/internal/ratelimit/memory"
	"github.com/AlexKimmel/PalmGate/internal/routing"
)

type recordingLimiter struct {
	result ratelimit.Result
	keys   []string
}

func (l *recordingLimiter) Admit(_ context.Context, clientID string) ratelimit.Decision {
	l.keys = append(l.keys, clientID)
	return ratelimit.DefaultPolicy().Decide(l.result, 0, time.Unix(1_700_000_000, 0))
}

func (l *recordingLimiter) Close() error { return nil }

func countingHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func apiPipeline(lim ratelimit.Limiter, next http.Handler) http.Handler {
	guarded := routing.NewPrefixes("/api")
	return Chain(next,
		CORS(DefaultCORS(), guarded),
		Admission(lim, guarded, identity.Resolver{}, nil),
	)
}

func TestAdmission_BurstThenRejectWithoutCallingNext(t *testing.T) {
	lim, err := memory.New(ratelimit.DefaultPolicy())
	require.NoError(t, err)

	calls := 0
	h := apiPipeline(lim, countingHandler(&calls))

	for i := 0; i < 10; i++ {
		r := httptest.NewRequest(http.MethodPost, "http://example/api/analyze", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "ok", w.Body.String())
		assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	}

	r := httptest.NewRequest(http.MethodPost, "http://example/api/analyze", nil)
	r.RemoteAddr = "10.0.0.1:9999"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 10, calls, "rejected request must not reach the handler")
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "6", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, DELETE, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", w.Header().Get("Access-Control-Allow-Headers"))

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error.Code)
	assert.Equal(t, "Rate limit exceeded", body.Error.Message)

	// a different client is unaffected
	r = httptest.NewRequest(http.MethodPost, "http://example/api/analyze", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmission_ShippedConfigIgnoresRotatingForwardedFor(t *testing.T) {
	cfg, err := config.Load("../../config.yaml")
	require.NoError(t, err)

	proxies, err := identity.ParseTrustedProxies(cfg.Admission.TrustedProxies)
	require.NoError(t, err)
	resolver := identity.Resolver{
		TrustForwardedFor: cfg.Admission.TrustForwardedFor,
		TrustedProxies:    proxies,
		Fallback:          cfg.Admission.FallbackClientID,
	}
	lim, err := memory.New(ratelimit.Policy{
		Capacity:       cfg.Admission.Capacity,
		RefillInterval: cfg.Admission.RefillInterval(),
	})
	require.NoError(t, err)

	calls := 0
	guarded := routing.NewPrefixes(cfg.Admission.ProtectedPrefixes...)
	h := Chain(countingHandler(&calls),
		resolver.Middleware(),
		Admission(lim, guarded, resolver, nil),
	)

	for i := 0; i < 100; i++ {
		r := httptest.NewRequest(http.MethodPost, "http://example/api/analyze", nil)
		r.RemoteAddr = "198.51.100.9:4444"
		r.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	assert.Equal(t, cfg.Admission.Capacity, calls, "one peer gets exactly one bucket")
	assert.Equal(t, 1, lim.Len())
}

func TestAdmission_UnguardedPathsBypass(t *testing.T) {
	lim := &recordingLimiter{result: ratelimit.Denied}
	calls := 0
	h := apiPipeline(lim, countingHandler(&calls))

	for _, path := range []string{"/health", "/version", "/apiary", "/"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example"+path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"), path)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), path)
	}
	assert.Empty(t, lim.keys)
	assert.Equal(t, 4, calls)
}

func TestAdmission_PrefersContextIdentity(t *testing.T) {
	lim := &recordingLimiter{result: ratelimit.Allowed}
	calls := 0
	resolver := identity.Resolver{
		TrustForwardedFor: true,
		TrustedProxies:    []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	}
	h := Chain(countingHandler(&calls),
		resolver.Middleware(),
		Admission(lim, routing.NewPrefixes("/api"), identity.Resolver{}, nil),
	)

	r := httptest.NewRequest(http.MethodPost, "http://example/api/upload", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, []string{"203.0.113.7"}, lim.keys)
	assert.Equal(t, 1, calls)
}

func TestAdmission_FallbackIdentityWhenAddressMissing(t *testing.T) {
	lim := &recordingLimiter{result: ratelimit.Allowed}
	calls := 0
	h := apiPipeline(lim, countingHandler(&calls))

	r := httptest.NewRequest(http.MethodPost, "http://example/api/upload", nil)
	r.RemoteAddr = ""
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, []string{"127.0.0.1"}, lim.keys)
}

func TestAdmission_ReportsDecision(t *testing.T) {
	lim := &recordingLimiter{result: ratelimit.Denied}
	rr := routing.New()
	rr.Add(&routing.Route{ID: "analyze", Prefix: "/api/analyze"})

	var gotRoute string
	var gotResult ratelimit.Result = ratelimit.Allowed
	calls := 0
	h := Chain(countingHandler(&calls),
		RouteMatcher(rr),
		Admission(lim, routing.NewPrefixes("/api"), identity.Resolver{}, func(route string, d ratelimit.Decision) {
			gotRoute, gotResult = route, d.Result
		}),
	)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://example/api/analyze", nil))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "analyze", gotRoute)
	assert.Equal(t, ratelimit.Denied, gotResult)
	assert.Zero(t, calls)
}

func TestCORS_PreflightAnsweredWithoutAdmission(t *testing.T) {
	lim := &recordingLimiter{result: ratelimit.Denied}
	calls := 0
	h := apiPipeline(lim, countingHandler(&calls))

	r := httptest.NewRequest(http.MethodOptions, "http://example/api/analyze", nil)
	r.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, lim.keys)
	assert.Zero(t, calls)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("outer"), nil, mw("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestBodyLimit(t *testing.T) {
	var readErr error
	h := BodyLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long")))

	var mbe *http.MaxBytesError
	assert.ErrorAs(t, readErr, &mbe)
}
