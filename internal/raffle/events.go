package raffle

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/oracle"
)

// EventType names a raffle event.
type EventType string

const (
	EventTypeEntered         EventType = "entered"
	EventTypeWinnerRequested EventType = "winner_requested"
	EventTypeWinnerPicked    EventType = "winner_picked"
	EventTypeRequestReissued EventType = "request_reissued"
)

func (et EventType) String() string {
	return string(et)
}

// Event is anything published by a raffle.
type Event interface {
	EventType() EventType
	Timestamp() time.Time
}

// EnteredEvent is published for every accepted entry.
type EnteredEvent struct {
	Round       uint64
	Participant common.Address
	Amount      *big.Int
	Players     int
	Pool        *big.Int
	At          time.Time
}

func (e EnteredEvent) EventType() EventType { return EventTypeEntered }
func (e EnteredEvent) Timestamp() time.Time { return e.At }

// WinnerRequestedEvent is published when a round closes and randomness is
// requested.
type WinnerRequestedEvent struct {
	Round     uint64
	RequestID oracle.RequestID
	Players   int
	Pool      *big.Int
	At        time.Time
}

func (e WinnerRequestedEvent) EventType() EventType { return EventTypeWinnerRequested }
func (e WinnerRequestedEvent) Timestamp() time.Time { return e.At }

// WinnerPickedEvent is published after the prize has been paid and the next
// round opened.
type WinnerPickedEvent struct {
	Round        uint64
	RequestID    oracle.RequestID
	Winner       common.Address
	WinnerIndex  int
	Prize        *big.Int
	RandomWord   *big.Int
	Participants []common.Address
	At           time.Time
}

func (e WinnerPickedEvent) EventType() EventType { return EventTypeWinnerPicked }
func (e WinnerPickedEvent) Timestamp() time.Time { return e.At }

// RequestReissuedEvent is published when an expired request is replaced.
type RequestReissuedEvent struct {
	Round     uint64
	Previous  oracle.RequestID
	RequestID oracle.RequestID
	At        time.Time
}

func (e RequestReissuedEvent) EventType() EventType { return EventTypeRequestReissued }
func (e RequestReissuedEvent) Timestamp() time.Time { return e.At }

// EventSubscriber receives raffle events.
type EventSubscriber interface {
	OnEvent(event Event)
}

// SubscriberFunc adapts a function to EventSubscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) OnEvent(event Event) { f(event) }

// EventBus fans events out to subscribers in registration order.
type EventBus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers []subscription
}

type subscription struct {
	id  uint64
	sub EventSubscriber
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe adds a subscriber and returns a function that removes it.
func (bus *EventBus) Subscribe(subscriber EventSubscriber) (unsubscribe func()) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.nextID++
	id := bus.nextID
	bus.subscribers = append(bus.subscribers, subscription{id: id, sub: subscriber})
	return func() { bus.remove(id) }
}

func (bus *EventBus) remove(id uint64) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for i, s := range bus.subscribers {
		if s.id == id {
			bus.subscribers = append(bus.subscribers[:i], bus.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every subscriber synchronously.
func (bus *EventBus) Publish(event Event) {
	bus.mu.RLock()
	subs := make([]subscription, len(bus.subscribers))
	copy(subs, bus.subscribers)
	bus.mu.RUnlock()

	for _, s := range subs {
		s.sub.OnEvent(event)
	}
}
