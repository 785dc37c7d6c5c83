package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/PalmGate/internal/ratelimit"
)

// ErrIdleTTLTooShort is returned when buckets could be evicted before they are full again.
var ErrIdleTTLTooShort = errors.New("idle ttl must be zero or at least one refill interval")

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	evicted    bool
}

// Limiter keeps one token bucket per client in process memory.
type Limiter struct {
	policy  ratelimit.Policy
	now     func() time.Time
	idleTTL time.Duration
	onEvict func(n int)

	bucket sync.Map // client id -> *bucket
	size   atomic.Int64
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdleTTL enables eviction of buckets untouched for d. Zero keeps buckets forever.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithEvictHook is called after every sweep that removed at least one bucket.
func WithEvictHook(fn func(n int)) Option {
	return func(l *Limiter) { l.onEvict = fn }
}

func New(p ratelimit.Policy, opts ...Option) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		policy: p,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.idleTTL < 0 || (l.idleTTL > 0 && l.idleTTL < p.RefillInterval) {
		return nil, ErrIdleTTLTooShort
	}
	return l, nil
}

func (l *Limiter) Close() error { return nil }

func (l *Limiter) Policy() ratelimit.Policy { return l.policy }

// Len reports the number of live buckets.
func (l *Limiter) Len() int { return int(l.size.Load()) }

func (l *Limiter) Admit(_ context.Context, clientID string) ratelimit.Decision {
	key := ratelimit.Key(clientID)
	for {
		b := l.load(key)

		b.mu.Lock()
		if b.evicted {
			// lost a race with Sweep; the registry no longer holds b
			b.mu.Unlock()
			continue
		}
		now := l.now()
		dec := l.take(b, now)
		b.mu.Unlock()
		return dec
	}
}

func (l *Limiter) load(key string) *bucket {
	if v, ok := l.bucket.Load(key); ok {
		return v.(*bucket)
	}
	v, loaded := l.bucket.LoadOrStore(key, &bucket{
		tokens:     float64(l.policy.Capacity),
		lastRefill: l.now(),
	})
	if !loaded {
		l.size.Add(1)
	}
	return v.(*bucket)
}

// take refills and consumes one token. b.mu must be held.
func (l *Limiter) take(b *bucket, now time.Time) ratelimit.Decision {
	// lastRefill never moves backwards, otherwise the same span would be credited twice
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens = l.policy.Refill(b.tokens, elapsed)
		b.lastRefill = now
	}

	res := ratelimit.Denied
	if b.tokens >= 1 {
		b.tokens--
		res = ratelimit.Allowed
	}
	return l.policy.Decide(res, b.tokens, now)
}

// Tokens returns the stored token count for clientID without refilling it.
func (l *Limiter) Tokens(clientID string) (float64, bool) {
	v, ok := l.bucket.Load(ratelimit.Key(clientID))
	if !ok {
		return 0, false
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens, true
}

// Sweep removes buckets idle for at least the idle ttl and returns how many went away.
func (l *Limiter) Sweep(now time.Time) int {
	if l.idleTTL <= 0 {
		return 0
	}

	removed := 0
	l.bucket.Range(func(k, v any) bool {
		b := v.(*bucket)

		b.mu.Lock()
		idle := now.Sub(b.lastRefill) >= l.idleTTL
		if idle {
			b.evicted = true
		}
		b.mu.Unlock()

		if idle && l.bucket.CompareAndDelete(k, b) {
			l.size.Add(-1)
			removed++
		}
		return true
	})

	if removed > 0 && l.onEvict != nil {
		l.onEvict(removed)
	}
	return removed
}

// StartJanitor sweeps every interval until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context, every time.Duration) {
	if l.idleTTL <= 0 || every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Sweep(l.now())
			}
		}
	}()
}
