// Package events carries the signals the sync engine raises for its
// front-ends: batch progress, synchronization complete and save complete.
package events

import (
	"sync"
	"time"

	"chartsync/internal/logger"
	"chartsync/internal/market"
)

type Kind string

const (
	KindBatchProgress Kind = "batch_progress"
	KindSyncComplete  Kind = "sync_complete"
	KindSaveComplete  Kind = "save_complete"
)

// Event carries either a count or an error string for one series.
type Event struct {
	Kind   Kind            `json:"kind"`
	Series market.SeriesID `json:"series"`
	Count  int             `json:"count"`
	Total  int             `json:"total,omitempty"`
	Error  string          `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

func (e Event) Failed() bool { return e.Error != "" }

// Publisher is what the engine depends on.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.For("events").Warnf("subscriber %d full, dropped %s for %s", id, ev.Kind, ev.Series)
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that
// unregisters and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
