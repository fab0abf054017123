// Package redisstore implements session.Store on Redis so that in-flight
// sessions survive a restart of the orchestrator.
//
// Each session is a JSON document under <prefix>:session:<id>. A sorted set
// <prefix>:sessions indexes ids by creation time for List. Transitions use
// WATCH/MULTI so a concurrent writer aborts the transaction and the caller
// sees session.ErrConflict.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nadzzz/showrunner/internal/session"
)

// Store is a Redis-backed session.Store.
type Store struct {
	rdb         *redis.Client
	prefix      string
	terminalTTL time.Duration
	now         func() time.Time
}

// Options configures the store.
type Options struct {
	// Prefix namespaces every key (default "showrunner").
	Prefix string
	// TerminalTTL expires finished sessions. Zero keeps them forever.
	TerminalTTL time.Duration
}

// Connect parses a redis URL, pings the server and returns a store.
func Connect(ctx context.Context, url string, opts Options) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, opts), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "showrunner"
	}
	return &Store{
		rdb:         rdb,
		prefix:      prefix,
		terminalTTL: opts.TerminalTTL,
		now:         time.Now,
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(id string) string { return s.prefix + ":session:" + id }
func (s *Store) indexKey() string     { return s.prefix + ":sessions" }

// Create stores a new queued session.
func (s *Store) Create(ctx context.Context, params session.Params) (*session.Session, error) {
	now := s.now()
	sess := &session.Session{
		ID:        uuid.NewString(),
		Status:    session.StatusQueued,
		Params:    params,
		Results:   make(session.Results),
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshalling session: %w", err)
	}

	// Record and index entry are written in one MULTI so List never misses a session.
	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.key(sess.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: sess.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis create: %w", err)
	}
	if !created.Val() {
		return nil, fmt.Errorf("redis create %s: %w", sess.ID, session.ErrConflict)
	}
	return sess, nil
}

// Get loads a session.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s: %w", id, session.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decode(data)
}

// Transition applies a compare-and-swap status change inside WATCH/MULTI.
func (s *Store) Transition(ctx context.Context, id string, expected, next session.Status, patch session.Patch) (*session.Session, error) {
	var updated *session.Session
	err := s.update(ctx, id, func(sess *session.Session) error {
		if err := session.Apply(sess, expected, next, patch, s.now()); err != nil {
			return err
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s %s->%s: %w", id, expected, next, err)
	}
	return updated, nil
}

// RequestCancel flags a session for cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) (*session.Session, error) {
	var updated *session.Session
	err := s.update(ctx, id, func(sess *session.Session) error {
		if err := session.MarkCancel(sess, s.now()); err != nil {
			return err
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	return updated, nil
}

func (s *Store) update(ctx context.Context, id string, mutate func(*session.Session) error) error {
	key := s.key(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decode(data)
		if err != nil {
			return err
		}
		if err := mutate(sess); err != nil {
			return err
		}
		out, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		ttl := time.Duration(0)
		if sess.Status.Terminal() {
			ttl = s.terminalTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return session.ErrConflict
	}
	return err
}

// List returns matching summaries, newest first.
func (s *Store) List(ctx context.Context, filter session.Filter) ([]session.Summary, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	out := make([]session.Summary, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		sess, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if !filter.Match(sess) {
			continue
		}
		out = append(out, sess.Summarize())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if len(expired) > 0 {
		_ = s.rdb.ZRem(ctx, s.indexKey(), expired...).Err()
	}
	return out, nil
}

func decode(data []byte) (*session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if sess.Results == nil {
		sess.Results = make(session.Results)
	}
	return &sess, nil
}
