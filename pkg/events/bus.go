package events

import "sync"

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a per-user pub/sub event bus with support for global subscribers.
// Sessions deliver each user's notifications through Deliver; the channel
// manager publishes one channel-level record per broadcast through Emit so
// global subscribers (scrollback, audit) see every message exactly once.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int][]Subscriber
	global      []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific user's events.
func (b *Bus) Subscribe(user int, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[user] = append(b.subscribers[user], sub)
}

// Unsubscribe removes a subscriber for a specific user.
func (b *Bus) Unsubscribe(user int, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[user]
	for i, s := range subs {
		if s == sub {
			b.subscribers[user] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[user]) == 0 {
		delete(b.subscribers, user)
	}
}

// SubscribeGlobal registers a subscriber that receives every emitted event.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// Emit sends an event to the subscribers of ev.User (if any) and to all
// global subscribers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	var subs []Subscriber
	if ev.User != NoUser {
		subs = b.subscribers[ev.User]
	}
	globals := b.global
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// Deliver sends an event to one user's subscribers only. Global subscribers
// are skipped.
func (b *Bus) Deliver(user int, ev Event) {
	ev.User = user
	b.mu.RLock()
	subs := b.subscribers[user]
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// UserSubscribers returns the number of subscribers for a user.
func (b *Bus) UserSubscribers(user int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[user])
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for user, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, user)
		} else {
			b.subscribers[user] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}
