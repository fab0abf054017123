// Package pipeline drives generation sessions through the broadcast stages:
// collect content, generate script, synthesize audio, assemble media and
// finalize. Each session runs on a worker from a shared ants pool; the
// session store's compare-and-swap transition is the only synchronization
// between runners.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/nadzzz/showrunner/internal/client"
	"github.com/nadzzz/showrunner/internal/downstream"
	"github.com/nadzzz/showrunner/internal/session"
)

var (
	// ErrOverloaded is returned by Submit when no worker can take the session.
	ErrOverloaded = errors.New("orchestrator overloaded")
	// ErrShuttingDown is returned by Submit after Shutdown started.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// DefaultWorkers is the pool size used when no pool is supplied.
const DefaultWorkers = 64

// maxConflicts bounds consecutive store conflicts within one run.
const maxConflicts = 16

// Policy controls stage retries, deadlines and content tolerance.
type Policy struct {
	// StageRetries is how many times a stage is re-attempted after an
	// Unavailable failure.
	StageRetries     int
	StageBackoffBase time.Duration
	StageBackoffMax  time.Duration

	// SessionDeadline is the wall-clock budget measured from created_at.
	// Zero disables it.
	SessionDeadline time.Duration

	// MinContentItems is the smallest bundle accepted when content is
	// mandatory. Values below 1 are treated as 1.
	MinContentItems  int
	ContentMandatory bool

	// DefaultSpeakers are used when neither the request nor the speaker
	// service name any.
	DefaultSpeakers []string

	// CoverAssets maps a channel to the assets handed to media assembly.
	CoverAssets map[string][]string
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		StageRetries:     2,
		StageBackoffBase: 500 * time.Millisecond,
		StageBackoffMax:  5 * time.Second,
		SessionDeadline:  10 * time.Minute,
		MinContentItems:  1,
		ContentMandatory: true,
	}
}

// Publisher receives every committed transition.
type Publisher interface {
	Publish(ev session.Event)
}

// Archiver stores the projection of a succeeded session.
type Archiver interface {
	Archive(ctx context.Context, s *session.Session) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPool runs sessions on pool. The caller keeps ownership of it.
func WithPool(pool *ants.Pool) Option {
	return func(o *Orchestrator) { o.pool = pool }
}

// WithWorkers sets the size of the pool created when none is supplied.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) { o.workers = n }
}

// WithClock replaces the time source used for session timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep replaces the stage backoff sleep.
func WithSleep(sleep client.SleepFunc) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithJitter replaces the random source for backoff jitter.
func WithJitter(jitter func(int64) int64) Option {
	return func(o *Orchestrator) { o.jitter = jitter }
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus Publisher) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithArchiver uploads a manifest of every succeeded session.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithPolicy sets the per-stage retry and mandatory policy.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// Orchestrator owns session lifecycle transitions.
type Orchestrator struct {
	store    session.Store
	svc      downstream.Services
	policy   Policy
	pool     *ants.Pool
	ownPool  bool
	workers  int
	bus      Publisher
	archiver Archiver
	now      func() time.Time
	sleep    client.SleepFunc
	jitter   func(int64) int64
	logger   zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running map[string]chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates an orchestrator. Content, Audio, Media and Data services are required.
func New(store session.Store, svc downstream.Services, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("pipeline: session store is required")
	}
	if svc.Content == nil || svc.Audio == nil || svc.Media == nil || svc.Data == nil {
		return nil, errors.New("pipeline: content, audio, media and data services are required")
	}

	o := &Orchestrator{
		store:   store,
		svc:     svc,
		policy:  DefaultPolicy(),
		workers: DefaultWorkers,
		now:     time.Now,
		sleep:   client.Sleep,
		logger:  zerolog.Nop(),
		running: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "pipeline").Logger()
	if o.policy.MinContentItems < 1 {
		o.policy.MinContentItems = 1
	}

	if o.pool == nil {
		pool, err := ants.NewPool(o.workers,
			ants.WithNonblocking(true),
			ants.WithPanicHandler(func(p any) {
				o.logger.Error().Interface("panic", p).Msg("worker panic")
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("creating worker pool: %w", err)
		}
		o.pool = pool
		o.ownPool = true
	}

	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Submit creates a session and schedules it. The returned channel closes
// when the run ends.
func (o *Orchestrator) Submit(ctx context.Context, params session.Params) (*session.Session, <-chan struct{}, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, nil, ErrShuttingDown
	}

	s, err := o.store.Create(ctx, params)
	if err != nil {
		return nil, nil, fmt.Errorf("creating session: %w", err)
	}

	done, err := o.schedule(s.ID)
	if err != nil {
		failed, ferr := o.commit(ctx, s, session.StatusFailed, session.Patch{
			Error: &session.Error{Stage: s.Status, Kind: session.KindUnavailable, Message: err.Error()},
		})
		if ferr == nil {
			s = failed
		}
		return s, nil, err
	}
	return s, done, nil
}

// schedule starts a run of id on the pool unless one is already running.
func (o *Orchestrator) schedule(id string) (<-chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrShuttingDown
	}
	if done, ok := o.running[id]; ok {
		return done, nil
	}

	done := make(chan struct{})
	o.running[id] = done
	o.wg.Add(1)

	err := o.pool.Submit(func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, id)
			o.mu.Unlock()
			close(done)
		}()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Str("session_id", id).Interface("panic", r).Msg("session run panicked")
				o.failDetached(id, session.KindInternal, fmt.Sprintf("panic: %v", r))
			}
		}()
		if _, err := o.Run(o.baseCtx, id); err != nil {
			o.logger.Warn().Str("session_id", id).Err(err).Msg("session run ended early")
		}
	})
	if err != nil {
		delete(o.running, id)
		o.wg.Done()
		close(done)
		if errors.Is(err, ants.ErrPoolOverload) || errors.Is(err, ants.ErrPoolClosed) {
			return nil, ErrOverloaded
		}
		return nil, fmt.Errorf("scheduling session: %w", err)
	}
	return done, nil
}

// Cancel flags a session for cancellation at the next stage boundary.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*session.Session, error) {
	s, err := o.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	o.logger.Info().Str("session_id", id).Str("status", string(s.Status)).Msg("cancellation requested")
	return s, nil
}

// Wait blocks until the current run of id ends or ctx is done, then
// returns the stored session.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*session.Session, error) {
	o.mu.Lock()
	done, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return o.store.Get(context.WithoutCancel(ctx), id)
}

// Resume schedules every non-terminal session found in the store. It is
// meant to be called once at startup with a durable store.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	active, err := o.store.List(ctx, session.Filter{Active: true})
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}
	n := 0
	for _, sum := range active {
		if _, err := o.schedule(sum.ID); err != nil {
			return n, fmt.Errorf("resuming %s: %w", sum.ID, err)
		}
		n++
	}
	if n > 0 {
		o.logger.Info().Int("sessions", n).Msg("resumed unfinished sessions")
	}
	return n, nil
}

// Running returns the number of sessions currently being driven.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Shutdown stops accepting sessions and waits for running ones. When ctx
// expires first, in-flight runs are aborted and left resumable.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		o.cancel()
		<-finished
		err = ctx.Err()
	}
	o.cancel()
	if o.ownPool {
		o.pool.Release()
	}
	return err
}

// Run drives session id until it is terminal. Calling it on a terminal
// session returns the stored session unchanged. An error is returned only
// when the run could not reach a terminal status: the store failed or ctx
// was cancelled by the caller.
func (o *Orchestrator) Run(ctx context.Context, id string) (*session.Session, error) {
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, nil
	}

	log := o.logger.With().Str("session_id", id).Logger()
	runCtx, cancel := o.deadlineContext(ctx, s)
	defer cancel()

	conflicts := 0
	for !s.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		var (
			next  session.Status
			patch session.Patch
		)
		switch {
		case s.CancelRequested:
			next, patch = failure(s.Status, session.KindCancelled, "cancelled by request")
		case o.expired(s):
			next, patch = failure(s.Status, session.KindDeadlineExceeded, "session deadline exceeded")
		default:
			var stageErr error
			next, patch, stageErr = o.execute(runCtx, log, s)
			if stageErr != nil {
				if ctx.Err() != nil {
					return s, ctx.Err()
				}
				kind := o.classify(runCtx, stageErr)
				log.Warn().Str("stage", string(s.Status)).Str("kind", string(kind)).Err(stageErr).Msg("stage failed")
				next, patch = failure(s.Status, kind, stageErr.Error())
			} else if o.cancelRequested(ctx, id) {
				// Results of a call that finished after cancellation are discarded.
				next, patch = failure(s.Status, session.KindCancelled, "cancelled by request")
			}
		}

		updated, err := o.commit(ctx, s, next, patch)
		switch {
		case errors.Is(err, session.ErrConflict):
			conflicts++
			if conflicts > maxConflicts {
				return s, fmt.Errorf("session %s: too many conflicting writers: %w", id, err)
			}
			log.Debug().Str("expected", string(s.Status)).Msg("transition conflict, re-reading")
			if s, err = o.store.Get(ctx, id); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return s, err
		}
		conflicts = 0
		s = updated
		if s.Status.Terminal() {
			o.afterTerminal(log, s)
		}
	}
	return s, nil
}

// commit applies a transition and publishes the resulting event.
func (o *Orchestrator) commit(ctx context.Context, s *session.Session, next session.Status, patch session.Patch) (*session.Session, error) {
	updated, err := o.store.Transition(ctx, s.ID, s.Status, next, patch)
	if err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("session_id", s.ID).
		Str("from", string(s.Status)).
		Str("to", string(next)).
		Msg("session transition")
	if o.bus != nil {
		o.bus.Publish(session.Event{
			SessionID: s.ID,
			From:      s.Status,
			To:        updated.Status,
			Error:     updated.Error,
			At:        updated.UpdatedAt,
		})
	}
	return updated, nil
}

// failDetached fails a session outside any run, retrying on conflicts.
func (o *Orchestrator) failDetached(id string, kind session.ErrorKind, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < maxConflicts; i++ {
		s, err := o.store.Get(ctx, id)
		if err != nil || s.Status.Terminal() {
			return
		}
		next, patch := failure(s.Status, kind, msg)
		if _, err := o.commit(ctx, s, next, patch); !errors.Is(err, session.ErrConflict) {
			return
		}
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, id string) bool {
	cur, err := o.store.Get(ctx, id)
	return err == nil && cur.CancelRequested
}

func failure(stage session.Status, kind session.ErrorKind, msg string) (session.Status, session.Patch) {
	return session.StatusFailed, session.Patch{Error: &session.Error{Stage: stage, Kind: kind, Message: msg}}
}

func (o *Orchestrator) deadline(s *session.Session) (time.Time, bool) {
	if o.policy.SessionDeadline <= 0 {
		return time.Time{}, false
	}
	return s.CreatedAt.Add(o.policy.SessionDeadline), true
}

func (o *Orchestrator) expired(s *session.Session) bool {
	d, ok := o.deadline(s)
	return ok && !o.now().Before(d)
}

// deadlineContext bounds in-flight calls by the session deadline. The
// remaining budget is measured with the orchestrator clock.
func (o *Orchestrator) deadlineContext(ctx context.Context, s *session.Session) (context.Context, context.CancelFunc) {
	d, ok := o.deadline(s)
	if !ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Sub(o.now()))
}

// afterTerminal runs best-effort side effects that must never affect the
// stored outcome.
func (o *Orchestrator) afterTerminal(log zerolog.Logger, s *session.Session) {
	if o.svc.Analytics == nil && (o.archiver == nil || s.Status != session.StatusSucceeded) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if o.svc.Analytics != nil {
			ev := downstream.Event{
				Name:      "broadcast_" + string(s.Status),
				SessionID: s.ID,
				Channel:   s.Params.Channel,
				Status:    string(s.Status),
				Duration:  s.UpdatedAt.Sub(s.CreatedAt),
				At:        s.UpdatedAt,
			}
			if s.Error != nil {
				ev.Status = string(s.Error.Kind)
			}
			if err := o.svc.Analytics.Track(ctx, ev); err != nil {
				log.Debug().Err(err).Msg("analytics event dropped")
			}
		}
		if o.archiver != nil && s.Status == session.StatusSucceeded {
			if err := o.archiver.Archive(ctx, s); err != nil {
				log.Warn().Err(err).Msg("archiving session failed")
			}
		}
	}()
}
