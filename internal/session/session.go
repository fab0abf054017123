// Package session defines the generation session record and the store
// contract used to move a session through the broadcast pipeline.
//
// A session only ever moves forward along the stage order, or directly to
// failed from any non-terminal status. The store enforces this with a
// compare-and-swap transition, which is the only concurrency control the
// pipeline relies on.
package session

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusCollectingContent Status = "collecting_content"
	StatusGeneratingScript  Status = "generating_script"
	StatusSynthesizingAudio Status = "synthesizing_audio"
	StatusAssemblingMedia   Status = "assembling_media"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
)

// order lists the forward path. failed is reachable from any non-terminal entry.
var order = []Status{
	StatusQueued,
	StatusCollectingContent,
	StatusGeneratingScript,
	StatusSynthesizingAudio,
	StatusAssemblingMedia,
	StatusSucceeded,
}

func (s Status) index() int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.index() >= 0
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Next returns the status following s on the forward path, or "" if s is terminal.
func (s Status) Next() Status {
	i := s.index()
	if i < 0 || i+1 >= len(order) {
		return ""
	}
	return order[i+1]
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return from.Next() == to
}

// Stage names a pipeline step. Stage results are keyed by stage.
type Stage string

const (
	StageCollectContent  Stage = "collect_content"
	StageGenerateScript  Stage = "generate_script"
	StageSynthesizeAudio Stage = "synthesize_audio"
	StageAssembleMedia   Stage = "assemble_media"
	StageFinalize        Stage = "finalize"
)

// ErrorKind classifies why a session failed.
type ErrorKind string

const (
	KindValidation       ErrorKind = "ValidationError"
	KindUnavailable      ErrorKind = "Unavailable"
	KindCircuitOpen      ErrorKind = "CircuitOpen"
	KindDeadlineExceeded ErrorKind = "DeadlineExceeded"
	KindCancelled        ErrorKind = "Cancelled"
	KindInsufficient     ErrorKind = "InsufficientContent"
	KindInternal         ErrorKind = "Internal"
)

// Retryable reports whether a new session with the same parameters could
// succeed once the downstream recovers.
func (k ErrorKind) Retryable() bool {
	return k == KindUnavailable || k == KindCircuitOpen
}

var (
	ErrNotFound          = errors.New("session not found")
	ErrConflict          = errors.New("session conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCapacity          = errors.New("session store at capacity")
)

// Params are the immutable request parameters of a session.
type Params struct {
	Channel   string   `json:"channel"`
	Language  string   `json:"language"`
	NewsCount int      `json:"news_count"`
	Speakers  []string `json:"speakers,omitempty"`
}

// Ref points at an artifact owned by a downstream service.
type Ref struct {
	ID              string  `json:"id"`
	URI             string  `json:"uri,omitempty"`
	Count           int     `json:"count,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Results maps a stage to the reference it produced.
type Results map[Stage]Ref

// Error records the stage and kind of a terminal failure.
type Error struct {
	Stage   Status    `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// Session is one generation attempt.
type Session struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Params          Params    `json:"request_params"`
	Results         Results   `json:"stage_results"`
	Error           *Error    `json:"error,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out to readers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Params.Speakers = append([]string(nil), s.Params.Speakers...)
	c.Results = make(Results, len(s.Results))
	for k, v := range s.Results {
		c.Results[k] = v
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	return &c
}

// Summary is the list projection of a session.
type Summary struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Channel   string    `json:"channel"`
	Language  string    `json:"language"`
	NewsCount int       `json:"news_count"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summarize builds the list projection of s.
func (s *Session) Summarize() Summary {
	sum := Summary{
		ID:        s.ID,
		Status:    s.Status,
		Channel:   s.Params.Channel,
		Language:  s.Params.Language,
		NewsCount: s.Params.NewsCount,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Error != nil {
		sum.ErrorKind = s.Error.Kind
	}
	return sum
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status  Status
	Channel string
	Limit   int
	Active  bool // only non-terminal sessions
}

// Match reports whether s passes the filter.
func (f Filter) Match(s *Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Channel != "" && s.Params.Channel != f.Channel {
		return false
	}
	if f.Active && s.Status.Terminal() {
		return false
	}
	return true
}

// Patch carries the data written together with a transition.
type Patch struct {
	Results Results
	Error   *Error
}

// Event is published after every committed transition.
type Event struct {
	SessionID string    `json:"session_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Error     *Error    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	// Create allocates a new session in the queued status.
	Create(ctx context.Context, params Params) (*Session, error)

	// Get returns a copy of the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Transition moves the session from expected to next and applies the
	// patch atomically. It fails with ErrConflict when the current status
	// differs from expected or a patched result was already written.
	Transition(ctx context.Context, id string, expected, next Status, patch Patch) (*Session, error)

	// RequestCancel flags a non-terminal session for cancellation at the
	// next stage boundary.
	RequestCancel(ctx context.Context, id string) (*Session, error)

	// List returns summaries ordered by creation time, newest first.
	List(ctx context.Context, filter Filter) ([]Summary, error)
}

// Apply validates and applies a transition to s in place. Store
// implementations call it while holding whatever guard makes the
// read-modify-write atomic.
func Apply(s *Session, expected, next Status, patch Patch, now time.Time) error {
	if s.Status != expected {
		return ErrConflict
	}
	if !CanTransition(s.Status, next) {
		return ErrInvalidTransition
	}
	for stage := range patch.Results {
		if _, exists := s.Results[stage]; exists {
			return ErrConflict
		}
	}
	if s.Results == nil {
		s.Results = make(Results, len(patch.Results))
	}
	for stage, ref := range patch.Results {
		s.Results[stage] = ref
	}
	if next == StatusFailed {
		e := Error{Stage: expected, Kind: KindInternal}
		if patch.Error != nil {
			e = *patch.Error
		}
		s.Error = &e
	}
	s.Status = next
	s.Version++
	s.UpdatedAt = advance(s.UpdatedAt, now)
	return nil
}

// advance returns a timestamp strictly after prev, preferring now.
func advance(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

// MarkCancel flags s for cancellation. Terminal sessions return ErrConflict.
func MarkCancel(s *Session, now time.Time) error {
	if s.Status.Terminal() {
		return ErrConflict
	}
	if !s.CancelRequested {
		s.CancelRequested = true
		s.Version++
		s.UpdatedAt = advance(s.UpdatedAt, now)
	}
	return nil
}
