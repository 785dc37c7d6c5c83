package ratelimit

import (
	"context"
	"errors"
	"time"
)

// FallbackClientID is used whenever the caller cannot supply a client identity.
const FallbackClientID = "127.0.0.1"

var (
	ErrNonPositiveCapacity = errors.New("capacity must be positive")
	ErrNonPositiveInterval = errors.New("refill interval must be positive")
)

// Result is the admission outcome for a single request.
type Result int

const (
	Denied Result = iota
	Allowed
)

func (r Result) String() string {
	if r == Allowed {
		return "allowed"
	}
	return "denied"
}

// Policy describes every bucket of a deployment.
type Policy struct {
	Capacity       int           // bucket size, also the burst
	RefillInterval time.Duration // time to refill from empty to full
}

// DefaultPolicy is 10 requests per minute.
func DefaultPolicy() Policy {
	return Policy{Capacity: 10, RefillInterval: time.Minute}
}

func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return ErrNonPositiveCapacity
	}
	if p.RefillInterval <= 0 {
		return ErrNonPositiveInterval
	}
	return nil
}

// RatePerSecond is the steady refill rate in tokens per second.
func (p Policy) RatePerSecond() float64 {
	return float64(p.Capacity) / p.RefillInterval.Seconds()
}

// Refill returns tokens after elapsed time, capped at capacity.
// Negative elapsed time adds nothing.
func (p Policy) Refill(tokens float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return tokens
	}
	capacity := float64(p.Capacity)
	// multiply before dividing so whole fractions of the interval land on whole tokens
	tokens += float64(elapsed) * capacity / float64(p.RefillInterval)
	if tokens > capacity {
		tokens = capacity
	}
	return tokens
}

// Until returns how long it takes to accumulate want tokens starting from tokens.
func (p Policy) Until(tokens, want float64) time.Duration {
	if tokens >= want {
		return 0
	}
	need := want - tokens
	return time.Duration(need * float64(p.RefillInterval) / float64(p.Capacity))
}

type Decision struct {
	Result     Result
	Limit      int           // bucket capacity
	Remaining  int           // whole tokens left after this request
	RetryAfter time.Duration // zero when allowed
	ResetAt    time.Time     // when the bucket would be full with no more traffic
}

func (d Decision) Allowed() bool { return d.Result == Allowed }

// Decide builds a Decision from the post-consumption token count.
func (p Policy) Decide(res Result, tokens float64, now time.Time) Decision {
	d := Decision{
		Result:    res,
		Limit:     p.Capacity,
		Remaining: int(tokens),
		ResetAt:   now.Add(p.Until(tokens, float64(p.Capacity))),
	}
	if res == Denied {
		d.RetryAfter = p.Until(tokens, 1)
	}
	return d
}

// Limiter decides admission per client. Admit never fails: exhaustion is
// reported as a Denied decision.
type Limiter interface {
	Admit(ctx context.Context, clientID string) Decision
	Close() error
}

// Key normalizes a client id so that Admit stays total.
func Key(clientID string) string {
	if clientID == "" {
		return FallbackClientID
	}
	return clientID
}
