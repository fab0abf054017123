// Package health aggregates the liveness of downstream services into a
// readiness view.
//
// Each registered service is probed on a fixed interval by its own
// goroutine. Results are cached; Snapshot and Ready only ever read the
// cache and never wait for a probe in progress.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadzzz/showrunner/internal/client"
)

// Status is the cached health of one service.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// ErrUnknownService is returned by Check for an unregistered name.
var ErrUnknownService = errors.New("unknown service")

// ServiceHealth is the cached record of one service. It is created by the
// first check and kept for the life of the aggregator.
type ServiceHealth struct {
	ServiceName         string    `json:"service_name"`
	Status              Status    `json:"status"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Mandatory           bool      `json:"mandatory"`
	LastError           string    `json:"last_error,omitempty"`

	// Call statistics from the service client, when available.
	CallFailures int    `json:"call_failures"`
	Breaker      string `json:"circuit_breaker,omitempty"`
}

// Prober performs a single lightweight liveness probe.
type Prober interface {
	Name() string
	Probe(ctx context.Context, timeout time.Duration) error
}

// CallStats is implemented by probers that also carry call traffic.
type CallStats interface {
	Failures() int
	BreakerState() client.BreakerState
}

// Options configures an Aggregator.
type Options struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	Now              func() time.Time
	Logger           zerolog.Logger
}

type target struct {
	prober    Prober
	mandatory bool
	probeMu   sync.Mutex // one probe per service at a time
}

// Aggregator owns the ServiceHealth records.
type Aggregator struct {
	interval  time.Duration
	timeout   time.Duration
	threshold int
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.RWMutex
	targets  map[string]*target
	order    []string
	records  map[string]ServiceHealth
	onChange []func(ServiceHealth)

	wg sync.WaitGroup
}

// NewAggregator creates an aggregator with no registered services.
func NewAggregator(opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		interval:  opts.Interval,
		timeout:   opts.ProbeTimeout,
		threshold: opts.FailureThreshold,
		now:       opts.Now,
		logger:    opts.Logger.With().Str("component", "health").Logger(),
		targets:   make(map[string]*target),
		records:   make(map[string]ServiceHealth),
	}
}

// Register adds a service. Registering a name twice replaces the prober.
func (a *Aggregator) Register(p Prober, mandatory bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := p.Name()
	if _, ok := a.targets[name]; !ok {
		a.order = append(a.order, name)
	}
	a.targets[name] = &target{prober: p, mandatory: mandatory}
}

// OnChange registers fn to be called whenever a service's status changes.
// It must be called before Start.
func (a *Aggregator) OnChange(fn func(ServiceHealth)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = append(a.onChange, fn)
}

// Services returns the registered service names in registration order.
func (a *Aggregator) Services() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

// Check probes one service and updates its record.
func (a *Aggregator) Check(ctx context.Context, name string) (ServiceHealth, error) {
	a.mu.RLock()
	t, ok := a.targets[name]
	a.mu.RUnlock()
	if !ok {
		return ServiceHealth{}, ErrUnknownService
	}

	t.probeMu.Lock()
	defer t.probeMu.Unlock()

	err := t.prober.Probe(ctx, a.timeout)

	a.mu.Lock()
	prev, existed := a.records[name]
	rec := prev
	rec.ServiceName = name
	rec.Mandatory = t.mandatory
	rec.LastCheckedAt = a.now()
	if err == nil {
		rec.ConsecutiveFailures = 0
		rec.Status = StatusHealthy
		rec.LastError = ""
	} else {
		rec.ConsecutiveFailures++
		rec.LastError = err.Error()
		if rec.ConsecutiveFailures >= a.threshold {
			rec.Status = StatusUnreachable
		} else {
			rec.Status = StatusDegraded
		}
	}
	a.records[name] = rec
	hooks := a.onChange
	a.mu.Unlock()

	if !existed || prev.Status != rec.Status {
		ev := a.logger.Info()
		if rec.Status != StatusHealthy {
			ev = a.logger.Warn()
		}
		ev.Str("service", name).
			Str("status", string(rec.Status)).
			Int("consecutive_failures", rec.ConsecutiveFailures).
			Str("error", rec.LastError).
			Msg("service health changed")
		for _, fn := range hooks {
			fn(rec)
		}
	}
	return a.withStats(rec, t), nil
}

// CheckAll probes every registered service once, concurrently.
func (a *Aggregator) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range a.Services() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, _ = a.Check(ctx, name)
		}(name)
	}
	wg.Wait()
}

// Snapshot returns the latest cached records. It never probes.
func (a *Aggregator) Snapshot() map[string]ServiceHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]ServiceHealth, len(a.records))
	for name, rec := range a.records {
		out[name] = a.withStats(rec, a.targets[name])
	}
	return out
}

func (a *Aggregator) withStats(rec ServiceHealth, t *target) ServiceHealth {
	if t == nil {
		return rec
	}
	if st, ok := t.prober.(CallStats); ok {
		rec.CallFailures = st.Failures()
		rec.Breaker = string(st.BreakerState())
	}
	return rec
}

// Ready reports whether every mandatory service is healthy. A mandatory
// service that was never checked counts as not ready.
func (a *Aggregator) Ready() bool {
	ready, _ := a.Readiness()
	return ready
}

// Readiness is Ready plus the sorted names of mandatory services that are
// not healthy.
func (a *Aggregator) Readiness() (bool, []string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var failing []string
	for name, t := range a.targets {
		if !t.mandatory {
			continue
		}
		if rec, ok := a.records[name]; !ok || rec.Status != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return len(failing) == 0, failing
}

// Start launches one refresh loop per registered service. Each loop checks
// immediately, then on every interval until ctx is done.
func (a *Aggregator) Start(ctx context.Context) {
	for _, name := range a.Services() {
		a.wg.Add(1)
		go a.loop(ctx, name)
	}
	a.logger.Info().Dur("interval", a.interval).Int("services", len(a.Services())).Msg("health checks started")
}

func (a *Aggregator) loop(ctx context.Context, name string) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.Check(ctx, name); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until every loop started by Start has returned.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}
