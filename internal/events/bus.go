// Package events fans user-visible worker events out to in-process
// subscribers such as the SSE stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by Sink.
const (
	ConnectionState    = "connection-state"
	MessageQueued      = "message-queued"
	MessageRetry       = "message-retry"
	MessageSent        = "message-sent"
	MessageFailed      = "message-failed"
	MessageUnavailable = "message-unavailable"
	MessageCancelled   = "message-cancelled"
	CampaignCreated    = "bulk-created"
	CampaignProgress   = "bulk-progress"
	CampaignCompleted  = "bulk-completed"
)

// Event is a small JSON-serializable notification.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Bus never blocks publishers: a subscriber whose buffer is full misses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
	now  func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}, now: time.Now}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered listener. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers is the number of live listeners.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
