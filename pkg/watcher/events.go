package watcher

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the type of event being broadcast.
type EventType string

const (
	EventWalletAdded     EventType = "wallet_added"
	EventWalletRemoved   EventType = "wallet_removed"
	EventWalletRenamed   EventType = "wallet_renamed"
	EventWalletRefreshed EventType = "wallet_refreshed"
	EventRefreshFailed   EventType = "refresh_failed"
	EventSyncCompleted   EventType = "sync_completed"
	EventSchedulerState  EventType = "scheduler_state"
)

// Event represents a change in tracked state. Data never carries a
// plaintext address.
type Event struct {
	Type     EventType   `json:"type"`
	WalletID string      `json:"wallet_id,omitempty"`
	Time     time.Time   `json:"time"`
	Data     interface{} `json:"data,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Bus fans events out to subscribers without blocking the publisher. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	dropped     atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds a new subscriber and returns a channel to receive events.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(Subscriber, 100)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
