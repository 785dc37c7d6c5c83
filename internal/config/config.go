package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/PalmGate/internal/identity"
)

var ErrInvalidConfig = errors.New("invalid config")

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Redis struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	Prefix         string `yaml:"prefix"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	OpTimeoutMS    int    `yaml:"op_timeout_ms"` // upper bound for one admission round trip
	CooldownMS     int    `yaml:"cooldown_ms"`   // decide locally for this long after a failure
}

type Admission struct {
	Capacity          int      `yaml:"capacity"`
	RefillIntervalMS  int      `yaml:"refill_interval_ms"`
	ProtectedPrefixes []string `yaml:"protected_prefixes"`
	TrustForwardedFor bool     `yaml:"trust_forwarded_for"`
	TrustedProxies    []string `yaml:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For
	FallbackClientID  string   `yaml:"fallback_client_id"`
	IdleTTLMS         *int     `yaml:"idle_ttl_ms"` // nil: 5x refill, 0: never evict
	SweepIntervalMS   int      `yaml:"sweep_interval_ms"`
	Backend           string   `yaml:"backend"` // "memory" or "redis"
	Redis             Redis    `yaml:"redis"`
}

type CORS struct {
	AllowOrigin  string `yaml:"allow_origin"`
	AllowMethods string `yaml:"allow_methods"`
	AllowHeaders string `yaml:"allow_headers"`
}

type Vendor struct {
	BaseURL   string  `yaml:"base_url"`
	TimeoutMS int     `yaml:"timeout_ms"`
	MaxRPS    float64 `yaml:"max_rps"`
	Burst     int     `yaml:"burst"`
}

type Pinata struct {
	Vendor        `yaml:",inline"`
	MaxImageBytes int64 `yaml:"max_image_bytes"`
}

type Inference struct {
	Vendor      `yaml:",inline"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	Prompt      string  `yaml:"prompt"`
	Vision      bool    `yaml:"vision"`
	GatewayURL  string  `yaml:"gateway_url"` // IPFS gateway used to build image URLs in vision mode
}

type Upstreams struct {
	Pinata    Pinata    `yaml:"pinata"`
	Inference Inference `yaml:"inference"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Admission     Admission     `yaml:"admission"`
	CORS          CORS          `yaml:"cors"`
	Upstreams     Upstreams     `yaml:"upstreams"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// Vendor calls can take tens of seconds, so the write deadline is generous.
func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (a Admission) RefillInterval() time.Duration {
	return time.Duration(a.RefillIntervalMS) * time.Millisecond
}

func (a Admission) IdleTTL() time.Duration {
	if a.IdleTTLMS == nil {
		return 5 * a.RefillInterval()
	}
	return time.Duration(*a.IdleTTLMS) * time.Millisecond
}

func (a Admission) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalMS) * time.Millisecond
}

func (r Redis) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

func (r Redis) ReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeoutMS) * time.Millisecond
}

func (r Redis) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

func (r Redis) OpTimeout() time.Duration {
	return time.Duration(r.OpTimeoutMS) * time.Millisecond
}

func (r Redis) Cooldown() time.Duration {
	return time.Duration(r.CooldownMS) * time.Millisecond
}

func (v Vendor) Timeout() time.Duration {
	return time.Duration(v.TimeoutMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}

	a := &cfg.Admission
	if a.Capacity == 0 {
		a.Capacity = 10
	}
	if a.RefillIntervalMS == 0 {
		a.RefillIntervalMS = 60_000
	}
	if len(a.ProtectedPrefixes) == 0 {
		a.ProtectedPrefixes = []string{"/api"}
	}
	if a.FallbackClientID == "" {
		a.FallbackClientID = "127.0.0.1"
	}
	if a.SweepIntervalMS <= 0 {
		a.SweepIntervalMS = a.RefillIntervalMS
	}
	if a.Backend == "" {
		a.Backend = "memory"
	}
	if a.Redis.Addr == "" {
		a.Redis.Addr = "localhost:6379"
	}
	if a.Redis.DialTimeoutMS <= 0 {
		a.Redis.DialTimeoutMS = 200
	}
	if a.Redis.ReadTimeoutMS <= 0 {
		a.Redis.ReadTimeoutMS = 100
	}
	if a.Redis.WriteTimeoutMS <= 0 {
		a.Redis.WriteTimeoutMS = 100
	}
	if a.Redis.OpTimeoutMS <= 0 {
		a.Redis.OpTimeoutMS = 150
	}
	if a.Redis.CooldownMS <= 0 {
		a.Redis.CooldownMS = 1000
	}

	if cfg.CORS.AllowOrigin == "" {
		cfg.CORS.AllowOrigin = "*"
	}
	if cfg.CORS.AllowMethods == "" {
		cfg.CORS.AllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	}
	if cfg.CORS.AllowHeaders == "" {
		cfg.CORS.AllowHeaders = "Content-Type, Authorization"
	}

	p := &cfg.Upstreams.Pinata
	if p.BaseURL == "" {
		p.BaseURL = "https://api.pinata.cloud"
	}
	if p.MaxImageBytes <= 0 {
		p.MaxImageBytes = 8 << 20
	}
	vendorDefaults(&p.Vendor)

	in := &cfg.Upstreams.Inference
	if in.BaseURL == "" {
		in.BaseURL = "https://router.huggingface.co/v1"
	}
	if in.Model == "" {
		in.Model = "meta-llama/Llama-3.1-8B-Instruct"
	}
	if in.Temperature == 0 {
		in.Temperature = 0.5
	}
	if in.TopP == 0 {
		in.TopP = 0.7
	}
	if in.MaxTokens <= 0 {
		in.MaxTokens = 200
	}
	if in.GatewayURL == "" {
		in.GatewayURL = "https://gateway.pinata.cloud/ipfs/"
	}
	vendorDefaults(&in.Vendor)
}

func vendorDefaults(v *Vendor) {
	if v.TimeoutMS <= 0 {
		v.TimeoutMS = 30_000
	}
	if v.MaxRPS <= 0 {
		v.MaxRPS = 5
	}
	if v.Burst <= 0 {
		v.Burst = 1
	}
}

// Validate reports every problem at once.
func (cfg *Root) Validate() error {
	var errs []error
	a := cfg.Admission
	if a.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("admission.capacity must be > 0, got %d", a.Capacity))
	}
	if a.RefillIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("admission.refill_interval_ms must be > 0, got %d", a.RefillIntervalMS))
	}
	if a.IdleTTLMS != nil {
		if ttl := *a.IdleTTLMS; ttl < 0 || (ttl > 0 && ttl < a.RefillIntervalMS) {
			errs = append(errs, fmt.Errorf("admission.idle_ttl_ms must be 0 or >= refill_interval_ms, got %d", ttl))
		}
	}
	if _, err := identity.ParseTrustedProxies(a.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("admission.trusted_proxies: %w", err))
	}
	if a.TrustForwardedFor && len(a.TrustedProxies) == 0 {
		errs = append(errs, errors.New("admission.trust_forwarded_for needs admission.trusted_proxies"))
	}
	switch a.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("admission.backend must be memory or redis, got %q", a.Backend))
	}
	for i, rt := range cfg.Routes {
		if rt.ID == "" || rt.Match.PathPrefix == "" || rt.Upstream.URL == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: id, match.path_prefix and upstream.url are required", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

type Secrets struct {
	PinataAPIKey    string
	PinataSecretKey string
	InferenceToken  string
}

// LoadSecrets reads the vendor credentials from the environment.
func LoadSecrets(getenv func(string) string) (Secrets, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	s := Secrets{
		PinataAPIKey:    getenv("PINATA_API_KEY"),
		PinataSecretKey: getenv("PINATA_SECRET_API_KEY"),
		InferenceToken:  getenv("HUGGINGFACE_API_KEY"),
	}
	var missing []string
	if s.PinataAPIKey == "" {
		missing = append(missing, "PINATA_API_KEY")
	}
	if s.PinataSecretKey == "" {
		missing = append(missing, "PINATA_SECRET_API_KEY")
	}
	if s.InferenceToken == "" {
		missing = append(missing, "HUGGINGFACE_API_KEY")
	}
	if len(missing) > 0 {
		return s, fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return s, nil
}
