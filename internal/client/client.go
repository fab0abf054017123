// Package client provides the uniform remote-call contract used for every
// downstream service: JSON over HTTP with a bounded per-attempt timeout,
// sequential retries with exponential backoff and jitter, and a circuit
// breaker that fails fast while a service is known to be down.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config describes one downstream service.
type Config struct {
	Name             string
	BaseURL          string
	APIKey           string
	Timeout          time.Duration // default per-attempt timeout
	MaxRetries       int           // retries after the first attempt
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
	HealthPath       string
}

// Request is one logical call.
type Request struct {
	Method         string
	Path           string
	Query          url.Values
	Body           any
	Timeout        time.Duration // overrides Config.Timeout when > 0
	IdempotencyKey string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithJitter replaces the jitter source used by Backoff.
func WithJitter(jitter func(int64) int64) Option {
	return func(c *Client) {
		c.jitter = jitter
	}
}

// WithClock replaces the time source used by the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client calls a single downstream service.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *Breaker
	sleep   SleepFunc
	jitter  func(int64) int64
	now     func() time.Time
	logger  zerolog.Logger

	failures atomic.Int64 // consecutive failed logical calls
}

// New creates a client for cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		sleep:  Sleep,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown, c.now)
	c.logger = c.logger.With().Str("service", cfg.Name).Logger()
	return c
}

// Name returns the service name.
func (c *Client) Name() string { return c.cfg.Name }

// Failures returns the number of consecutive failed calls.
func (c *Client) Failures() int { return int(c.failures.Load()) }

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// Call performs req and decodes a JSON response into out (which may be nil).
// Attempts run one after another, never in parallel.
func (c *Client) Call(ctx context.Context, req Request, out any) error {
	if !c.breaker.Allow() {
		c.logger.Debug().Str("path", req.Path).Msg("circuit open, call refused")
		return &Error{Service: c.cfg.Name, Kind: KindCircuitOpen}
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			c.breaker.Abandon()
			return &Error{Service: c.cfg.Name, Kind: KindValidation, Err: fmt.Errorf("marshalling request: %w", err)}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffMax, c.jitter)
			c.logger.Debug().Int("attempt", attempt+1).Dur("delay", delay).Err(lastErr).Msg("retrying call")
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		status, err := c.do(ctx, req, body, timeout, out)
		if err == nil {
			c.breaker.Success()
			c.failures.Store(0)
			return nil
		}
		lastErr, lastStatus = err, status

		if !transient(status, err) {
			// The service answered; it is reachable even if it refused us.
			c.breaker.Success()
			c.failures.Store(0)
			c.logger.Warn().Str("path", req.Path).Int("status", status).Err(err).Msg("call rejected")
			return &Error{Service: c.cfg.Name, Kind: KindValidation, Status: status, Attempts: attempts, Err: err}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		// The caller gave up; say nothing about the service's health.
		c.breaker.Abandon()
		return &Error{Service: c.cfg.Name, Kind: KindUnavailable, Status: lastStatus, Attempts: attempts, Err: lastErr}
	}
	c.breaker.Failure()
	c.failures.Add(1)
	c.logger.Warn().Str("path", req.Path).Int("attempts", attempts).Int("status", lastStatus).Err(lastErr).Msg("call failed")
	return &Error{Service: c.cfg.Name, Kind: KindUnavailable, Status: lastStatus, Attempts: attempts, Err: lastErr}
}

// do performs a single physical request.
func (c *Client) do(ctx context.Context, req Request, body []byte, timeout time.Duration, out any) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reader)
	if err != nil {
		return 0, &permanentError{err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &permanentError{err: fmt.Errorf("decoding response: %w", err)}
	}
	return resp.StatusCode, nil
}

// permanentError marks local failures that no retry can fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// transient reports whether a failed attempt is worth retrying.
func transient(status int, err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	switch {
	case status == 0:
		return true // network error or attempt timeout
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Probe performs a single liveness request against the health path. It does
// not retry and does not affect the circuit breaker.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.BaseURL+c.cfg.HealthPath, nil)
	if err != nil {
		return fmt.Errorf("creating probe: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", c.cfg.Name, resp.StatusCode)
	}
	return nil
}
