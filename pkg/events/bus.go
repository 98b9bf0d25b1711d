// Package events fans committed journal entries out to live observers such
// as the inspector feed and metrics. Delivery is best effort; the journal in
// the store remains the record.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	ContractID string
	Types      []escrow.EventType
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev escrow.Event) bool {
	if f.ContractID != "" && ev.ContractID != f.ContractID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

// Bus provides publish/subscribe for committed escrow events.
type Bus interface {
	Publish(evs ...escrow.Event)
	Subscribe(f Filter) <-chan escrow.Event
	Unsubscribe(ch <-chan escrow.Event)
	History(f Filter, since time.Time) []escrow.Event
}

// DefaultHistorySize bounds the replay buffer when no size is given.
const DefaultHistorySize = 10000

const subscriberBuffer = 64

type subscriber struct {
	ch     chan escrow.Event
	filter Filter
}

// MemoryBus is an in-memory Bus with a bounded replay buffer. A subscriber
// that falls more than its buffer behind loses events; Dropped counts them.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	history     []escrow.Event
	maxHistory  int
	dropped     atomic.Uint64
}

// NewMemoryBus creates a bus that keeps at most maxHistory events for
// replay. A non-positive size uses DefaultHistorySize.
func NewMemoryBus(maxHistory int) *MemoryBus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistorySize
	}
	return &MemoryBus{maxHistory: maxHistory}
}

// Publish records evs in the replay buffer and delivers them to matching
// subscribers without blocking.
func (b *MemoryBus) Publish(evs ...escrow.Event) {
	if len(evs) == 0 {
		return
	}

	b.mu.Lock()
	b.history = append(b.history, evs...)
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.history = slices.Clone(b.history[over:])
	}
	b.mu.Unlock()

	// Sends never block, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-delivery.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ev := range evs {
		for _, sub := range b.subscribers {
			if !sub.filter.Match(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe returns a channel receiving future events that match f.
func (b *MemoryBus) Subscribe(f Filter) <-chan escrow.Event {
	ch := make(chan escrow.Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber{ch: ch, filter: f})
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *MemoryBus) Unsubscribe(ch <-chan escrow.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subscribers, func(s subscriber) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	close(b.subscribers[i].ch)
	b.subscribers = slices.Delete(b.subscribers, i, i+1)
}

// History returns buffered events matching f stamped at or after since,
// oldest first.
func (b *MemoryBus) History(f Filter, since time.Time) []escrow.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []escrow.Event{}
	for _, ev := range b.history {
		if !ev.Timestamp.Before(since) && f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped is the number of deliveries skipped because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }
