package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory for the lifetime of the
// orchestrator. It is the default backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	capacity int
	now      func() time.Time
	newID    func() string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity bounds the number of sessions held. Zero means unbounded.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.capacity = n
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a queued session. It fails only when the store is full.
func (s *MemoryStore) Create(_ context.Context, params Params) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && len(s.sessions) >= s.capacity && !s.evictTerminalLocked() {
		return nil, ErrCapacity
	}

	now := s.now()
	sess := &Session{
		ID:        s.newID(),
		Status:    StatusQueued,
		Params:    params,
		Results:   make(Results),
		CreatedAt: now,
		UpdatedAt: now,
	}
	sess.Params.Speakers = append([]string(nil), params.Speakers...)
	s.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

// evictTerminalLocked drops the oldest terminal session to make room.
func (s *MemoryStore) evictTerminalLocked() bool {
	var oldest *Session
	for _, sess := range s.sessions {
		if !sess.Status.Terminal() {
			continue
		}
		if oldest == nil || sess.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = sess
		}
	}
	if oldest == nil {
		return false
	}
	delete(s.sessions, oldest.ID)
	return true
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return sess.Clone(), nil
}

// Transition applies a compare-and-swap status change.
func (s *MemoryStore) Transition(_ context.Context, id string, expected, next Status, patch Patch) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("transition %s: %w", id, ErrNotFound)
	}

	// Work on a copy so a rejected patch leaves the record untouched.
	updated := sess.Clone()
	if err := Apply(updated, expected, next, patch, s.now()); err != nil {
		return nil, fmt.Errorf("transition %s %s->%s (current %s): %w", id, expected, next, sess.Status, err)
	}
	s.sessions[id] = updated
	return updated.Clone(), nil
}

// RequestCancel flags the session for cancellation.
func (s *MemoryStore) RequestCancel(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	if err := MarkCancel(sess, s.now()); err != nil {
		return nil, fmt.Errorf("cancel %s (status %s): %w", id, sess.Status, err)
	}
	return sess.Clone(), nil
}

// List returns matching summaries, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if filter.Match(sess) {
			out = append(out, sess.Summarize())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
