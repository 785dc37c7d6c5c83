// Package redis shares token buckets between gateway instances through Redis.
//
// Refill and consumption for a key happen inside a single Lua script, so
// concurrent requests for one client are serialized by Redis itself. When
// Redis cannot answer, decisions fall back to an in-process limiter.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/PalmGate/internal/ratelimit"
	"github.com/AlexKimmel/PalmGate/internal/ratelimit/memory"
)

const DefaultPrefix = "palmgate:bucket:"

// Admission sits on the request path, so Redis gets a tight budget.
const (
	DefaultDialTimeout  = 200 * time.Millisecond
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultWriteTimeout = 100 * time.Millisecond
	DefaultOpTimeout    = 150 * time.Millisecond
	DefaultCooldown     = time.Second
)

// ErrCoolingDown is reported for decisions made locally while Redis is left alone after a failure.
var ErrCoolingDown = errors.New("redis cooling down after failure")

// KEYS[1] bucket hash; ARGV capacity, interval ms, now ms, ttl ms.
var admitScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * capacity / interval)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`)

type Config struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OpTimeout    time.Duration
	Cooldown     time.Duration
}

type Limiter struct {
	client  *goredis.Client
	policy  ratelimit.Policy
	prefix  string
	idleTTL time.Duration
	now     func() time.Time
	log     zerolog.Logger

	opTimeout time.Duration
	cooldown  time.Duration
	downUntil atomic.Int64 // unix nanos; zero when healthy

	fallback *memory.Limiter
	onError  func(error)
	onEvict  func(n int)
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdleTTL expires bucket keys untouched for d. It also bounds the fallback limiter.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithErrorHook is called each time a decision had to fall back to local state.
func WithErrorHook(fn func(error)) Option {
	return func(l *Limiter) { l.onError = fn }
}

// WithOpTimeout bounds one admission round trip to Redis.
func WithOpTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.opTimeout = d
		}
	}
}

// WithCooldown sets how long admissions skip Redis after a failure.
func WithCooldown(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.cooldown = d
		}
	}
}

// WithEvictHook is passed to the fallback limiter.
func WithEvictHook(fn func(n int)) Option {
	return func(l *Limiter) { l.onEvict = fn }
}

// New connects to the Redis described by cfg. Zero timeouts take the defaults above;
// commands are never retried, a failed admission is decided locally instead.
func New(cfg Config, p ratelimit.Policy, opts ...Option) (*Limiter, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout, DefaultDialTimeout),
		ReadTimeout:  orDefault(cfg.ReadTimeout, DefaultReadTimeout),
		WriteTimeout: orDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		PoolTimeout:  orDefault(cfg.OpTimeout, DefaultOpTimeout),
		MaxRetries:   -1,

		// let the per-admission deadline cut reads and writes short
		ContextTimeoutEnabled: true,
	})
	opts = append([]Option{WithOpTimeout(cfg.OpTimeout), WithCooldown(cfg.Cooldown)}, opts...)
	l, err := NewWithClient(client, p, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if cfg.Prefix != "" {
		l.prefix = cfg.Prefix
	}
	return l, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func NewWithClient(client *goredis.Client, p ratelimit.Policy, opts ...Option) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		client:    client,
		policy:    p,
		prefix:    DefaultPrefix,
		now:       time.Now,
		log:       zerolog.Nop(),
		opTimeout: DefaultOpTimeout,
		cooldown:  DefaultCooldown,
	}
	for _, opt := range opts {
		opt(l)
	}

	fb, err := memory.New(p, memory.WithClock(l.now), memory.WithIdleTTL(l.idleTTL), memory.WithEvictHook(l.onEvict))
	if err != nil {
		return nil, fmt.Errorf("fallback limiter: %w", err)
	}
	l.fallback = fb
	return l, nil
}

func (l *Limiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Limiter) Close() error {
	return l.client.Close()
}

// Fallback exposes the local limiter used while Redis is unavailable.
func (l *Limiter) Fallback() *memory.Limiter { return l.fallback }

func (l *Limiter) Admit(ctx context.Context, clientID string) ratelimit.Decision {
	key := ratelimit.Key(clientID)
	now := l.now()

	if until := l.downUntil.Load(); until != 0 && now.UnixNano() < until {
		return l.decideLocally(ctx, key, ErrCoolingDown)
	}

	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	res, err := admitScript.Run(opCtx, l.client,
		[]string{l.prefix + key},
		l.policy.Capacity,
		l.policy.RefillInterval.Milliseconds(),
		now.UnixMilli(),
		l.idleTTL.Milliseconds(),
	).Slice()
	if err == nil {
		var dec ratelimit.Decision
		if dec, err = l.decode(res, now); err == nil {
			l.downUntil.Store(0)
			return dec
		}
	}

	l.downUntil.Store(now.Add(l.cooldown).UnixNano())
	l.log.Warn().Err(err).Str("client", key).Dur("cooldown", l.cooldown).Msg("redis admission failed, deciding locally")
	return l.decideLocally(ctx, key, err)
}

func (l *Limiter) decideLocally(ctx context.Context, key string, cause error) ratelimit.Decision {
	if l.onError != nil {
		l.onError(cause)
	}
	return l.fallback.Admit(ctx, key)
}

func (l *Limiter) decode(res []any, now time.Time) (ratelimit.Decision, error) {
	if len(res) != 2 {
		return ratelimit.Decision{}, fmt.Errorf("unexpected script reply length %d", len(res))
	}
	flag, ok := res[0].(int64)
	if !ok {
		return ratelimit.Decision{}, fmt.Errorf("unexpected allowed flag %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return ratelimit.Decision{}, fmt.Errorf("unexpected tokens %T", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("parse tokens: %w", err)
	}

	result := ratelimit.Denied
	if flag == 1 {
		result = ratelimit.Allowed
	}
	return l.policy.Decide(result, tokens, now), nil
}

// StartJanitor keeps the fallback limiter bounded; Redis expires its own keys.
func (l *Limiter) StartJanitor(ctx context.Context, every time.Duration) {
	l.fallback.StartJanitor(ctx, every)
}
