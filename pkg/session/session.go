// Package session tracks online users: their current channel, the events
// queued for them, and the lookup the channel manager uses to resolve ids.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/clock"
	"github.com/crystal-mush/chanserv/pkg/events"
)

// DefaultQueueLimit caps the events held for a user who is not pulling them.
const DefaultQueueLimit = 256

// Session is one online user. It implements channel.User.
type Session struct {
	id    int
	name  string
	bus   *events.Bus
	clock clock.Clock
	limit int

	current atomic.Int64

	mu      sync.Mutex
	orderID int64
	queue   []events.Event
	dropped int64
	created time.Time
}

var _ channel.User = (*Session)(nil)

// ID returns the user id.
func (s *Session) ID() int { return s.id }

// Name returns the display name.
func (s *Session) Name() string { return s.name }

// ChannelID returns the user's current channel or channel.NoChannel.
func (s *Session) ChannelID() int { return int(s.current.Load()) }

// SetChannelID records the user's current channel.
func (s *Session) SetChannelID(channelID int) { s.current.Store(int64(channelID)) }

// Created returns when the session was registered.
func (s *Session) Created() time.Time { return s.created }

// SendMessage stamps the event with the next order id, queues it for
// pulling and pushes it to any live bus subscribers of this user. It never
// blocks on a slow consumer: the oldest queued event is dropped at the limit.
func (s *Session) SendMessage(t events.Type, channelID int, payload map[string]any) {
	s.mu.Lock()
	s.orderID++
	ev := events.Event{
		Type:    t,
		User:    s.id,
		Channel: channelID,
		OrderID: s.orderID,
		Time:    s.clock.Now(),
		Payload: payload,
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Deliver(s.id, ev)
	}
}

// Pending returns the queued events with an order id greater than after and
// discards everything up to and including after.
func (s *Session) Pending(after int64) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.queue) && s.queue[i].OrderID <= after {
		i++
	}
	s.queue = s.queue[i:]
	out := make([]events.Event, len(s.queue))
	copy(out, s.queue)
	return out
}

// LastOrderID returns the order id of the most recent event.
func (s *Session) LastOrderID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderID
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
