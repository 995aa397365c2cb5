// Package events carries notifications from the trading core to the
// presentation collaborators: the dashboard websocket hub, metrics and the
// optional Redis fan-out.
//
// Publishing never blocks the trading path. A subscriber whose buffer is full
// loses the event and a warning is logged.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Type names an event.
type Type string

const (
	PositionChanged      Type = "position.changed"
	TradeAppended        Type = "trade.appended"
	StopLossMoved        Type = "stoploss.moved"
	ReentryStateChanged  Type = "reentry.state_changed"
	ConfirmationCreated  Type = "reentry.confirmation_created"
	ConfirmationResolved Type = "reentry.confirmation_resolved"
	CooldownChanged      Type = "cooldown.changed"
	ModeChanged          Type = "mode.changed"
	SessionChanged       Type = "session.changed"
	ReauthRequired       Type = "session.reauth_required"
	WalletChanged        Type = "wallet.changed"
)

// Event is a single notification. Data is a value copy owned by the event.
type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Publisher is what the core depends on.
type Publisher interface {
	Publish(t Type, data any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Type, any) {}

// Bus fans events out to buffered subscriber channels.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers to every subscriber without blocking.
func (b *Bus) Publish(t Type, data any) {
	ev := Event{Type: t, At: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("subscriber", id).Str("event", string(t)).Msg("event subscriber full, dropping event")
		}
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
