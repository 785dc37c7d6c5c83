package identity

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_ClientID(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		resolver Resolver
		remote   string
		headers  map[string]string
		want     string
	}{
		{
			name:   "remote addr host",
			remote: "10.0.0.9:5555",
			want:   "10.0.0.9",
		},
		{
			name:   "ipv6 remote addr",
			remote: "[2001:db8::1]:443",
			want:   "2001:db8::1",
		},
		{
			name:   "remote addr without port",
			remote: "10.0.0.9",
			want:   "10.0.0.9",
		},
		{
			name:    "forwarded header ignored when not trusted",
			remote:  "10.0.0.9:5555",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4"},
			want:    "10.0.0.9",
		},
		{
			name:     "forwarded header ignored from untrusted peer",
			resolver: Resolver{TrustForwardedFor: true, TrustedProxies: proxies},
			remote:   "198.51.100.9:4444",
			headers:  map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "5.6.7.8"},
			want:     "198.51.100.9",
		},
		{
			name:     "forwarded header ignored without trusted proxies",
			resolver: Resolver{TrustForwardedFor: true},
			remote:   "10.0.0.9:5555",
			headers:  map[string]string{"X-Forwarded-For": "1.2.3.4"},
			want:     "10.0.0.9",
		},
		{
			name:     "rightmost untrusted hop from trusted peer",
			resolver: Resolver{TrustForwardedFor: true, TrustedProxies: proxies},
			remote:   "10.0.0.9:5555",
			headers:  map[string]string{"X-Forwarded-For": "6.6.6.6, 1.2.3.4, 10.0.0.3"},
			want:     "1.2.3.4",
		},
		{
			name:     "garbage hop stops the walk",
			resolver: Resolver{TrustForwardedFor: true, TrustedProxies: proxies},
			remote:   "10.0.0.9:5555",
			headers:  map[string]string{"X-Forwarded-For": "1.2.3.4, nonsense"},
			want:     "10.0.0.9",
		},
		{
			name:     "real ip when forwarded-for is blank",
			resolver: Resolver{TrustForwardedFor: true, TrustedProxies: proxies},
			remote:   "10.0.0.9:5555",
			headers:  map[string]string{"X-Forwarded-For": " ,", "X-Real-IP": "8.8.4.4"},
			want:     "8.8.4.4",
		},
		{
			name: "loopback fallback",
			want: "127.0.0.1",
		},
		{
			name:     "configured fallback",
			resolver: Resolver{Fallback: "unknown"},
			want:     "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example/api/upload", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, tt.resolver.ClientID(r))
		})
	}
}

func TestResolver_RotatingForwardedForKeepsPeerIdentity(t *testing.T) {
	res := Resolver{TrustForwardedFor: true}
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		r := httptest.NewRequest(http.MethodPost, "/api/analyze", nil)
		r.RemoteAddr = "198.51.100.9:4444"
		r.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		seen[res.ClientID(r)] = struct{}{}
	}
	assert.Equal(t, map[string]struct{}{"198.51.100.9": {}}, seen)
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{"10.1.2.3/8", " 192.168.0.1 ", "", "::1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.168.0.1/32", got[1].String())
	assert.Equal(t, "::1/128", got[2].String())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestClientIDFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := ClientIDFrom(r.Context())
	assert.False(t, ok)

	_, ok = ClientIDFrom(WithClientID(r.Context(), ""))
	assert.False(t, ok)

	id, ok := ClientIDFrom(WithClientID(r.Context(), "1.2.3.4"))
	assert.True(t, ok)
	assert.Equal(t, "1.2.3.4", id)
}

func TestMiddleware_StoresIDAndTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClientIDFrom(r.Context())
		hlog.FromRequest(r).Info().Msg("hit")
	})

	h := hlog.NewHandler(logger)(Resolver{}.Middleware()(next))

	r := httptest.NewRequest(http.MethodGet, "/api/analyze", nil)
	r.RemoteAddr = "192.168.1.1:12345"
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, "192.168.1.1", seen)
	assert.Contains(t, buf.String(), `"client":"192.168.1.1"`)
}
