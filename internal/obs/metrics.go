package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/PalmGate/internal/gateway"
	"github.com/AlexKimmel/PalmGate/internal/ratelimit"
	"github.com/AlexKimmel/PalmGate/internal/routing"
)

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ResponseSize     *prometheus.HistogramVec
	Admissions       *prometheus.CounterVec
	BucketsEvicted   prometheus.Counter
	LimiterFallbacks prometheus.Counter
	UpstreamDuration *prometheus.HistogramVec

	reg prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "palmgate_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "palmgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		ResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "palmgate_response_size_bytes",
				Help:    "Response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"route"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "palmgate_admissions_total",
				Help: "Admission decisions on guarded paths",
			},
			[]string{"route", "result"},
		),
		BucketsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "palmgate_buckets_evicted_total",
				Help: "Idle client buckets removed by the janitor",
			},
		),
		LimiterFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "palmgate_limiter_fallbacks_total",
				Help: "Admissions decided locally because the shared store failed",
			},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "palmgate_upstream_duration_seconds",
				Help:    "Vendor call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"vendor", "outcome"},
		),
		reg: reg,
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.ResponseSize, m.Admissions, m.BucketsEvicted, m.LimiterFallbacks, m.UpstreamDuration)
	return m
}

// ObserveAdmission matches the gateway.Admission decision hook.
func (m *Metrics) ObserveAdmission(route string, d ratelimit.Decision) {
	m.Admissions.WithLabelValues(route, d.Result.String()).Inc()
}

// ObserveUpstream records one vendor call.
func (m *Metrics) ObserveUpstream(vendor string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.UpstreamDuration.WithLabelValues(vendor, outcome).Observe(time.Since(start).Seconds())
}

// TrackBuckets exports the live bucket count reported by size.
func (m *Metrics) TrackBuckets(size func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "palmgate_buckets",
			Help: "Client buckets currently held in memory",
		},
		func() float64 { return float64(size()) },
	))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics.
// It uses the route stored by gateway.RouteMatcher.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := routing.RouteID(r)
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
			m.ResponseSize.WithLabelValues(route).Observe(float64(rec.bytes))
		})
	}
}
