// Package events carries the engine's domain events to presentation layers
// (WebSocket hub, Kafka sink) through a channel-based pub/sub bus.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a domain event.
type Kind string

const (
	AccountAdded         Kind = "account_added"
	AccountRemoved       Kind = "account_removed"
	AccountStatusChanged Kind = "account_status_changed"
	SessionStarted       Kind = "session_started"
	SessionStopped       Kind = "session_stopped"
	TradeMirrored        Kind = "trade_mirrored"
	TradeUpdated         Kind = "trade_updated"
	MirrorModeChanged    Kind = "mirror_mode_changed"
)

// Event is one state transition published by the engine.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Bus is a lightweight pub/sub broker using channels. A nil *Bus is valid
// and drops everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[Kind]bool // nil filter = every kind
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]map[Kind]bool)}
}

// Subscribe registers a listener for the given kinds (all kinds when none
// are given) and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var filter map[Kind]bool
	if len(kinds) > 0 {
		filter = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}

	b.mu.Lock()
	b.subs[ch] = filter
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, ch)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking; slow
// subscribers miss events.
func (b *Bus) Publish(kind Kind, payload any) {
	if b == nil {
		return
	}
	ev := Event{ID: uuid.NewString(), Kind: kind, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[kind] {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
