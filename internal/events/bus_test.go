package events

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/nadzzz/showrunner/internal/session"
)

func TestPublishFansOutByTopic(t *testing.T) {
	bus := NewBus(4, zerolog.Nop())
	all, unsubAll := bus.Subscribe(TopicAll)
	defer unsubAll()
	one, unsubOne := bus.Subscribe(SessionTopic("a"))
	defer unsubOne()

	bus.Publish(session.Event{SessionID: "a", From: session.StatusQueued, To: session.StatusCollectingContent})
	bus.Publish(session.Event{SessionID: "b", From: session.StatusQueued, To: session.StatusFailed})

	assert.Equal(t, "a", (<-all).SessionID)
	assert.Equal(t, "b", (<-all).SessionID)
	assert.Equal(t, session.StatusCollectingContent, (<-one).To)
	assert.Equal(t, 0, len(one))
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	_, unsub := bus.Subscribe(TopicAll)
	defer unsub()

	for i := 0; i < 3; i++ {
		bus.Publish(session.Event{SessionID: "x"})
	}
	assert.Equal(t, uint64(2), bus.Drops(TopicAll))
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	ch, unsub := bus.Subscribe(TopicAll)
	unsub()
	unsub()
	_, ok := <-ch
	assert.Equal(t, false, ok)

	bus.Close()
	late, _ := bus.Subscribe(TopicAll)
	_, ok = <-late
	assert.Equal(t, false, ok)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		_, unsub := bus.Subscribe(TopicAll)
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(session.Event{SessionID: "x"})
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
	bus.Close()
}
