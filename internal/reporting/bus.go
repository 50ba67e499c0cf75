package reporting

import (
	"fmt"
	"sync"
)

// EventHandler is a function that processes session events.
type EventHandler func(SessionEvent)

// EventFilter decides whether an event should be delivered to a subscription.
type EventFilter func(SessionEvent) bool

// Subscription represents one subscriber of the bus.
type Subscription struct {
	id      string
	filter  EventFilter
	handler EventHandler

	mu     sync.RWMutex
	closed bool
}

// Close detaches the subscription; subsequent events are not delivered.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// IsClosed returns whether the subscription is closed.
func (s *Subscription) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Bus provides publish/subscribe for session state changes.
//
// Delivery is synchronous in the caller's goroutine so subscribers observe
// each session's events in the exact order its state machine produced them.
// Handlers must therefore be quick and must not call back into the publisher.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	counter   int64
	closed    bool
	published int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Publish delivers the event to every subscription whose filter matches.
// Handler panics are contained so one bad subscriber cannot take down the
// session control loop.
func (b *Bus) Publish(event SessionEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.published++
	handlers := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		if sub.IsClosed() {
			delete(b.subs, id)
			continue
		}
		handlers = append(handlers, sub)
	}
	b.mu.Unlock()

	for _, sub := range handlers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		deliver(sub.handler, event)
	}
}

func deliver(handler EventHandler, event SessionEvent) {
	defer func() {
		_ = recover()
	}()
	handler(event)
}

// Subscribe registers a handler, optionally restricted by a filter (nil
// matches everything). The returned subscription is detached via Close or
// Unsubscribe.
func (b *Bus) Subscribe(filter EventFilter, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.counter++
	sub := &Subscription{
		id:      fmt.Sprintf("sub-%d", b.counter),
		filter:  filter,
		handler: handler,
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription from the bus.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.Close()
	delete(b.subs, sub.id)
}

// Published returns how many events have been published.
func (b *Bus) Published() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published
}

// Close shuts the bus down; further Publish and Subscribe calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		sub.Close()
		delete(b.subs, id)
	}
}

// FilterBySession matches events for a single session id.
func FilterBySession(sessionID string) EventFilter {
	return func(event SessionEvent) bool {
		return event.SessionID == sessionID
	}
}

// FilterByState matches events entering any of the given states.
func FilterByState(states ...SessionState) EventFilter {
	set := make(map[SessionState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return func(event SessionEvent) bool {
		return set[event.NewState]
	}
}
