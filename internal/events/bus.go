// Package events is an in-process pub/sub bus for session transitions.
// Publishing never blocks; a slow subscriber loses events instead of
// stalling the pipeline.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/nadzzz/showrunner/internal/session"
)

const (
	// TopicAll receives every session event.
	TopicAll = "sessions"

	defaultBufferSize = 64
)

// SessionTopic is the topic carrying events of a single session.
func SessionTopic(id string) string { return "session:" + id }

// Bus fans session events out to per-topic subscribers. Slow subscribers
// lose events instead of blocking publishers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[int]chan session.Event
	nextSubID int
	closed    bool
	buffer    int
	logger    zerolog.Logger

	dropMu     sync.Mutex
	dropCounts map[string]uint64
}

// NewBus creates a bus. buffer <= 0 uses the default subscriber buffer.
func NewBus(buffer int, logger zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &Bus{
		subs:       make(map[string]map[int]chan session.Event),
		dropCounts: make(map[string]uint64),
		buffer:     buffer,
		logger:     logger.With().Str("component", "events").Logger(),
	}
}

// Publish delivers ev to TopicAll and to the session's own topic.
func (b *Bus) Publish(ev session.Event) {
	b.publish(TopicAll, ev)
	b.publish(SessionTopic(ev.SessionID), ev)
}

func (b *Bus) publish(topic string, ev session.Event) {
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
			b.recordDrop(topic)
		}
	}
}

// Subscribe returns a buffered channel for topic and a function that
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan session.Event, func()) {
	ch := make(chan session.Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan session.Event)
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs, ok := b.subs[topic]
			if !ok {
				return
			}
			if _, ok := subs[id]; !ok {
				return
			}
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
}

// Drops returns the number of events dropped for topic.
func (b *Bus) Drops(topic string) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropCounts[topic]
}

func (b *Bus) recordDrop(topic string) {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	b.dropCounts[topic]++
	if n := b.dropCounts[topic]; n%100 == 1 {
		b.logger.Warn().Str("topic", topic).Uint64("total_drops", n).Msg("dropping events")
	}
}
