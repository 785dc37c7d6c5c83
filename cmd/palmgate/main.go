package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/PalmGate/internal/api"
	"github.com/AlexKimmel/PalmGate/internal/config"
	"github.com/AlexKimmel/PalmGate/internal/gateway"
	"github.com/AlexKimmel/PalmGate/internal/identity"
	"github.com/AlexKimmel/PalmGate/internal/obs"
	"github.com/AlexKimmel/PalmGate/internal/proxy"
	"github.com/AlexKimmel/PalmGate/internal/ratelimit"
	"github.com/AlexKimmel/PalmGate/internal/ratelimit/memory"
	redislimit "github.com/AlexKimmel/PalmGate/internal/ratelimit/redis"
	"github.com/AlexKimmel/PalmGate/internal/routing"
	"github.com/AlexKimmel/PalmGate/internal/upstream"
)

func main() {
	path := os.Getenv("PALMGATE_CONFIG")
	if path == "" {
		path = "./config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("config", path).Msg("Setup logger")

	secrets, err := config.LoadSecrets(nil)
	if err != nil {
		logger.Warn().Err(err).Msg("vendor credentials incomplete, affected endpoints will fail")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := ratelimit.Policy{
		Capacity:       cfg.Admission.Capacity,
		RefillInterval: cfg.Admission.RefillInterval(),
	}
	limiter, err := newLimiter(ctx, cfg.Admission, policy, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("limiter")
	}
	defer limiter.Close()

	// outbound vendors
	client := &http.Client{Transport: upstream.NewHTTPTransport()}
	pin := cfg.Upstreams.Pinata
	inf := cfg.Upstreams.Inference
	pinner := upstream.NewPinataClient(upstream.PinataConfig{
		BaseURL:   pin.BaseURL,
		APIKey:    secrets.PinataAPIKey,
		SecretKey: secrets.PinataSecretKey,
		Pacing:    upstream.Pacing{MaxRPS: pin.MaxRPS, Burst: pin.Burst},
	}, withTimeout(client, pin.Timeout()), metrics.ObserveUpstream)
	narrator := upstream.NewInferenceClient(upstream.InferenceConfig{
		BaseURL:     inf.BaseURL,
		Token:       secrets.InferenceToken,
		Model:       inf.Model,
		Temperature: inf.Temperature,
		TopP:        inf.TopP,
		MaxTokens:   inf.MaxTokens,
		Prompt:      inf.Prompt,
		Vision:      inf.Vision,
		GatewayURL:  inf.GatewayURL,
		Pacing:      upstream.Pacing{MaxRPS: inf.MaxRPS, Burst: inf.Burst},
	}, withTimeout(client, inf.Timeout()), metrics.ObserveUpstream)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v.0.1.0"))
	})

	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	api.New(pinner, narrator, pin.MaxImageBytes).Register(mux)

	rr := routing.New()
	rr.Add(&routing.Route{ID: "upload", Prefix: "/api/upload", Methods: methods("POST")})
	rr.Add(&routing.Route{ID: "analyze", Prefix: "/api/analyze", Methods: methods("POST")})

	fwd := proxy.Handler(client.Transport)
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			logger.Fatal().Err(err).Str("route", rc.ID).Msg("bad upstream url")
		}
		rr.Add(&routing.Route{
			ID:      rc.ID,
			Prefix:  rc.Match.PathPrefix,
			Methods: methods(rc.Match.Methods...),
			UpUrl:   u,
			Timeout: time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
		})
		prefix := strings.TrimSuffix(rc.Match.PathPrefix, "/")
		mux.Handle(prefix, fwd)
		mux.Handle(prefix+"/", fwd)
		logger.Info().Str("route", rc.ID).Str("prefix", prefix).Str("upstream", u.String()).Msg("proxy route")
	}

	guarded := routing.NewPrefixes(cfg.Admission.ProtectedPrefixes...)
	proxies, err := identity.ParseTrustedProxies(cfg.Admission.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("trusted proxies")
	}
	resolver := identity.Resolver{
		TrustForwardedFor: cfg.Admission.TrustForwardedFor,
		TrustedProxies:    proxies,
		Fallback:          cfg.Admission.FallbackClientID,
	}
	skip := map[string]struct{}{
		"/health":                         {},
		"/version":                        {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		resolver.Middleware(),
		gateway.RouteMatcher(rr),
		metrics.Middleware(skip),
		gateway.CORS(gateway.CORSPolicy{
			AllowOrigin:  cfg.CORS.AllowOrigin,
			AllowMethods: cfg.CORS.AllowMethods,
			AllowHeaders: cfg.CORS.AllowHeaders,
		}, guarded),
		gateway.Admission(limiter, guarded, resolver, metrics.ObserveAdmission),
		gateway.BodyLimit(cfg.Server.MaxBody()),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Int("capacity", policy.Capacity).
			Dur("refill", policy.RefillInterval).
			Str("backend", cfg.Admission.Backend).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

type janitorLimiter interface {
	ratelimit.Limiter
	StartJanitor(ctx context.Context, every time.Duration)
}

func newLimiter(ctx context.Context, a config.Admission, p ratelimit.Policy, m *obs.Metrics, logger zerolog.Logger) (ratelimit.Limiter, error) {
	evicted := func(n int) { m.BucketsEvicted.Add(float64(n)) }

	var lim janitorLimiter
	switch a.Backend {
	case "redis":
		rl, err := redislimit.New(redislimit.Config{
			Addr:         a.Redis.Addr,
			Password:     a.Redis.Password,
			DB:           a.Redis.DB,
			Prefix:       a.Redis.Prefix,
			DialTimeout:  a.Redis.DialTimeout(),
			ReadTimeout:  a.Redis.ReadTimeout(),
			WriteTimeout: a.Redis.WriteTimeout(),
			OpTimeout:    a.Redis.OpTimeout(),
			Cooldown:     a.Redis.Cooldown(),
		}, p,
			redislimit.WithIdleTTL(a.IdleTTL()),
			redislimit.WithLogger(logger.With().Str("component", "limiter").Logger()),
			redislimit.WithErrorHook(func(error) { m.LimiterFallbacks.Inc() }),
			redislimit.WithEvictHook(evicted),
		)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rl.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Str("addr", a.Redis.Addr).Msg("redis unreachable, admitting from local buckets until it recovers")
		}
		cancel()
		m.TrackBuckets(rl.Fallback().Len)
		lim = rl
	default:
		ml, err := memory.New(p, memory.WithIdleTTL(a.IdleTTL()), memory.WithEvictHook(evicted))
		if err != nil {
			return nil, err
		}
		m.TrackBuckets(ml.Len)
		lim = ml
	}

	lim.StartJanitor(ctx, a.SweepInterval())
	return lim, nil
}

func withTimeout(c *http.Client, d time.Duration) *http.Client {
	cp := *c
	cp.Timeout = d
	return &cp
}

func methods(ms ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		out[strings.ToUpper(m)] = struct{}{}
	}
	return out
}
