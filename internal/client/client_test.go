package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config, opts ...Option) (*Client, *recordedSleeps) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.Name == "" {
		cfg.Name = "content"
	}
	sleeps := &recordedSleeps{}
	opts = append([]Option{WithSleep(sleeps.sleep), WithJitter(func(n int64) int64 { return n - 1 })}, opts...)
	return New(cfg, opts...), sleeps
}

func TestCallDecodesJSON(t *testing.T) {
	var gotKey, gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "bundle-1", "echo": in["channel"]})
	}, Config{MaxRetries: 2, APIKey: "secret"})

	var out struct {
		ID   string `json:"id"`
		Echo string `json:"echo"`
	}
	err := c.Call(context.Background(), Request{
		Path:           "/v1/collect",
		Body:           map[string]string{"channel": "zurich"},
		IdempotencyKey: "s1:collect_content",
	}, &out)

	assert.Equal(t, nil, err)
	assert.Equal(t, "bundle-1", out.ID)
	assert.Equal(t, "zurich", out.Echo)
	assert.Equal(t, "s1:collect_content", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, 0, c.Failures())
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	}, Config{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second})

	var out struct{ ID string }
	err := c.Call(context.Background(), Request{Path: "/x"}, &out)

	assert.Equal(t, nil, err)
	assert.Equal(t, "ok", out.ID)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps.delays)
}

func TestCallExhaustsRetriesAsUnavailable(t *testing.T) {
	var hits atomic.Int32
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, Config{MaxRetries: 2, BackoffBase: 10 * time.Millisecond})

	err := c.Call(context.Background(), Request{Path: "/x"}, nil)

	var ce *Error
	assert.Equal(t, true, errors.As(err, &ce))
	assert.Equal(t, KindUnavailable, ce.Kind)
	assert.Equal(t, http.StatusBadGateway, ce.Status)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2, len(sleeps.delays))
	assert.Equal(t, 1, c.Failures())
}

func TestCallValidationIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"unknown channel"}`, http.StatusUnprocessableEntity)
	}, Config{MaxRetries: 5})

	err := c.Call(context.Background(), Request{Path: "/x"}, nil)

	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, c.Failures())
}

func TestCallAttemptTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, Config{MaxRetries: 1, Timeout: 20 * time.Millisecond})
	defer close(release)

	err := c.Call(context.Background(), Request{Path: "/slow"}, nil)

	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestCircuitOpensAndShortCircuits(t *testing.T) {
	var hits atomic.Int32
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, Config{
		MaxRetries:       0,
		BreakerThreshold: 2,
		BreakerWindow:    time.Minute,
		BreakerCooldown:  30 * time.Second,
	}, WithClock(clock))

	ctx := context.Background()
	assert.Equal(t, KindUnavailable, KindOf(c.Call(ctx, Request{Path: "/x"}, nil)))
	assert.Equal(t, KindUnavailable, KindOf(c.Call(ctx, Request{Path: "/x"}, nil)))
	assert.Equal(t, BreakerOpen, c.BreakerState())

	// Open: no network call.
	assert.Equal(t, KindCircuitOpen, KindOf(c.Call(ctx, Request{Path: "/x"}, nil)))
	assert.Equal(t, int32(2), hits.Load())

	// After cooldown one trial is admitted; it fails and reopens.
	now = now.Add(31 * time.Second)
	assert.Equal(t, KindUnavailable, KindOf(c.Call(ctx, Request{Path: "/x"}, nil)))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, BreakerOpen, c.BreakerState())
}

func TestProbe(t *testing.T) {
	healthy := true
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}, Config{})

	assert.Equal(t, nil, c.Probe(context.Background(), time.Second))
	healthy = false
	assert.NotEqual(t, nil, c.Probe(context.Background(), time.Second))
	assert.Equal(t, BreakerClosed, c.BreakerState())
}
