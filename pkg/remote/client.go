// Package remote executes JSON requests against downstream HTTP services with
// client-side rate limiting and bounded exponential retry.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Config controls timeouts, retries and the outbound request rate.
type Config struct {
	Timeout           time.Duration // Per-request timeout. Default 10s.
	MaxAttempts       uint          // Attempts per call, including the first. Default 3.
	InitialInterval   time.Duration // First retry delay. Default 200ms.
	MaxInterval       time.Duration // Retry delay cap. Default 5s.
	RequestsPerSecond float64       // Outbound rate limit; 0 disables. Default 50.
	Burst             int           // Rate limiter burst. Default 10.
}

// DefaultConfig returns the default remote client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		MaxAttempts:       3,
		InitialInterval:   200 * time.Millisecond,
		MaxInterval:       5 * time.Second,
		RequestsPerSecond: 50,
		Burst:             10,
	}
}

// StatusError is a non-2xx response from a downstream service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// ServerError reports whether the downstream service failed (5xx) rather
// than rejecting the request.
func (e *StatusError) ServerError() bool { return e.StatusCode >= 500 }

// StatusCode returns the HTTP status carried by err, or 0 when err is not a
// *StatusError (for example a transport failure).
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Client sends requests with retry and rate limiting.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     Config
}

// New creates a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	c := &Client{http: httpClient, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Response is a completed exchange.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do sends a request. Transport errors and 5xx responses are retried; a final
// 5xx is returned as *StatusError. Responses below 500 are returned to the
// caller without error so it can decide what a 404 or 409 means.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval

	op := func() (*Response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(data)}
		}
		return &Response{StatusCode: resp.StatusCode, Body: data}, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}
