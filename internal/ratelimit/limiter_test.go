package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
		want error
	}{
		{"default", DefaultPolicy(), nil},
		{"zero capacity", Policy{Capacity: 0, RefillInterval: time.Minute}, ErrNonPositiveCapacity},
		{"negative interval", Policy{Capacity: 5, RefillInterval: -time.Second}, ErrNonPositiveInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.p.Validate(), tt.want)
		})
	}
}

func TestPolicy_Refill(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 1.0, p.Refill(0, 6*time.Second))
	assert.Equal(t, 10.0, p.Refill(0, time.Minute))
	assert.Equal(t, 10.0, p.Refill(9.5, time.Hour))
	assert.Equal(t, 3.0, p.Refill(3, -time.Second))
	assert.InDelta(t, 10.0/60, p.RatePerSecond(), 1e-12)
}

func TestPolicy_Decide(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0)

	allowed := p.Decide(Allowed, 4, now)
	assert.True(t, allowed.Allowed())
	assert.Zero(t, allowed.RetryAfter)
	assert.Equal(t, 4, allowed.Remaining)
	assert.Equal(t, now.Add(36*time.Second), allowed.ResetAt)

	denied := p.Decide(Denied, 0.5, now)
	assert.False(t, denied.Allowed())
	assert.Equal(t, 3*time.Second, denied.RetryAfter)
	assert.Equal(t, 0, denied.Remaining)
}

func TestKey(t *testing.T) {
	assert.Equal(t, FallbackClientID, Key(""))
	assert.Equal(t, "10.1.2.3", Key("10.1.2.3"))
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "denied", Denied.String())
}
