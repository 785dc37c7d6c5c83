// Package upstream holds the clients for the paid vendors behind the API:
// the pinning service that stores uploaded images and the inference service
// that writes readings. Every call is paced by a per-vendor outbound limiter.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("upstream not configured")

// StatusError is returned when a vendor answers with a non-2xx status.
type StatusError struct {
	Vendor string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Vendor, e.Code, e.Body)
}

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Observer is told about every finished vendor call.
type Observer func(vendor string, start time.Time, err error)

// Pacing bounds the outbound request rate for one vendor.
type Pacing struct {
	MaxRPS float64
	Burst  int
}

type caller struct {
	vendor  string
	client  *http.Client
	limiter *rate.Limiter
	observe Observer
}

func newCaller(vendor string, client *http.Client, p Pacing, observe Observer) caller {
	if client == nil {
		client = &http.Client{Transport: NewHTTPTransport(), Timeout: 30 * time.Second}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if p.MaxRPS > 0 {
		lim = rate.NewLimiter(rate.Limit(p.MaxRPS), max(p.Burst, 1))
	}
	return caller{vendor: vendor, client: client, limiter: lim, observe: observe}
}

// do waits for an outbound slot, sends req and returns the body of a 2xx response.
func (c caller) do(ctx context.Context, req *http.Request) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(c.vendor, start, err)
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: waiting for outbound slot: %w", c.vendor, err)
	}

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.vendor, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", c.vendor, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Vendor: c.vendor, Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
