package redisstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nadzzz/showrunner/internal/session"
)

// newTestStore runs the store against an in-process redis server.
func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(rdb, opts)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// stepClock returns a time source advancing one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

var zurich = session.Params{Channel: "zurich", Language: "de", NewsCount: 1}

func TestRedisLifecycle(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	sess, err := store.Create(ctx, zurich)
	assert.Equal(t, nil, err)

	_, err = store.Transition(ctx, sess.ID, session.StatusQueued, session.StatusCollectingContent, session.Patch{})
	assert.Equal(t, nil, err)

	_, err = store.Transition(ctx, sess.ID, session.StatusQueued, session.StatusCollectingContent, session.Patch{})
	assert.Equal(t, true, errors.Is(err, session.ErrConflict))

	got, err := store.Get(ctx, sess.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, session.StatusCollectingContent, got.Status)

	_, err = store.Get(ctx, "missing")
	assert.Equal(t, true, errors.Is(err, session.ErrNotFound))

	list, err := store.List(ctx, session.Filter{Active: true})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(list))
}

func TestRedisCreateIndexesSession(t *testing.T) {
	store, mr := newTestStore(t, Options{Prefix: "sr"})
	sess, err := store.Create(context.Background(), zurich)
	assert.Equal(t, nil, err)

	assert.Equal(t, true, mr.Exists("sr:session:"+sess.ID))
	members, err := mr.ZMembers("sr:sessions")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{sess.ID}, members)
}

func TestRedisConcurrentTransition(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		sess, err := store.Create(ctx, zurich)
		assert.Equal(t, nil, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = store.Transition(ctx, sess.ID, session.StatusQueued, session.StatusCollectingContent, session.Patch{})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.Equal(t, true, errors.Is(err, session.ErrConflict))
			}
		}
		assert.Equal(t, 1, wins)
	}
}

func TestRedisResultsWrittenOnce(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()
	sess, _ := store.Create(ctx, zurich)

	_, err := store.Transition(ctx, sess.ID, session.StatusQueued, session.StatusCollectingContent, session.Patch{})
	assert.Equal(t, nil, err)
	got, err := store.Transition(ctx, sess.ID, session.StatusCollectingContent, session.StatusGeneratingScript, session.Patch{
		Results: session.Results{session.StageCollectContent: {ID: "bundle-1", Count: 1}},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "bundle-1", got.Results[session.StageCollectContent].ID)

	_, err = store.Transition(ctx, sess.ID, session.StatusGeneratingScript, session.StatusSynthesizingAudio, session.Patch{
		Results: session.Results{session.StageCollectContent: {ID: "bundle-2"}},
	})
	assert.Equal(t, true, errors.Is(err, session.ErrConflict))
}

func TestRedisListNewestFirst(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	store.now = stepClock()
	ctx := context.Background()

	first, _ := store.Create(ctx, zurich)
	second, _ := store.Create(ctx, session.Params{Channel: "bern", Language: "de", NewsCount: 2})
	third, _ := store.Create(ctx, zurich)

	list, err := store.List(ctx, session.Filter{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(list))
	assert.Equal(t, third.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, first.ID, list[2].ID)

	list, _ = store.List(ctx, session.Filter{Channel: "zurich", Limit: 1})
	assert.Equal(t, 1, len(list))
	assert.Equal(t, third.ID, list[0].ID)
}

func TestRedisTerminalTTLAndIndexCleanup(t *testing.T) {
	store, mr := newTestStore(t, Options{Prefix: "sr", TerminalTTL: time.Hour})
	ctx := context.Background()

	done, _ := store.Create(ctx, zurich)
	running, _ := store.Create(ctx, zurich)
	_, err := store.Transition(ctx, done.ID, session.StatusQueued, session.StatusFailed, session.Patch{
		Error: &session.Error{Stage: session.StatusQueued, Kind: session.KindCancelled},
	})
	assert.Equal(t, nil, err)

	assert.Equal(t, time.Hour, mr.TTL("sr:session:"+done.ID))
	assert.Equal(t, time.Duration(0), mr.TTL("sr:session:"+running.ID))

	mr.FastForward(2 * time.Hour)

	list, err := store.List(ctx, session.Filter{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(list))
	assert.Equal(t, running.ID, list[0].ID)

	members, _ := mr.ZMembers("sr:sessions")
	assert.Equal(t, []string{running.ID}, members)
}

func TestRedisRequestCancel(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()
	sess, _ := store.Create(ctx, zurich)

	got, err := store.RequestCancel(ctx, sess.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, got.CancelRequested)

	_, err = store.RequestCancel(ctx, "missing")
	assert.Equal(t, true, errors.Is(err, session.ErrNotFound))
}

func TestConnectRejectsUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, "redis://"+addr+"/0", Options{})
	assert.NotEqual(t, nil, err)
}
