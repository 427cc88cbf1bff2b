package session

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/clock"
	"github.com/crystal-mush/chanserv/pkg/events"
)

// Registry holds the online sessions. It implements channel.UserLookup;
// names of users that went offline are remembered so member and ban lists
// keep rendering them.
type Registry struct {
	bus   *events.Bus
	clock clock.Clock
	limit int

	mu       sync.RWMutex
	sessions map[int]*Session
	names    map[int]string
}

var _ channel.UserLookup = (*Registry)(nil)

// NewRegistry returns an empty registry. Sessions deliver live events
// through bus, which may be nil.
func NewRegistry(bus *events.Bus, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real()
	}
	return &Registry{
		bus:      bus,
		clock:    c,
		limit:    DefaultQueueLimit,
		sessions: make(map[int]*Session),
		names:    make(map[int]string),
	}
}

// SetQueueLimit changes the queue cap for sessions created afterwards.
func (r *Registry) SetQueueLimit(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.limit = n
	r.mu.Unlock()
}

// Connect returns the session of userID, creating it if the user is not
// online yet. An existing session keeps its channel, queue and name; the
// new name only affects Username.
func (r *Registry) Connect(userID int, name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[userID] = name
	if s, ok := r.sessions[userID]; ok {
		return s
	}
	s := &Session{
		id:      userID,
		name:    name,
		bus:     r.bus,
		clock:   r.clock,
		limit:   r.limit,
		created: r.clock.Now(),
	}
	s.current.Store(int64(channel.NoChannel))
	r.sessions[userID] = s
	log.Debug().Str("module", "session").Int("user", userID).Str("name", name).Msg("connected")
	return s
}

// Disconnect removes the session and returns it, so the caller can make
// it leave its channel.
func (r *Registry) Disconnect(userID int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
		log.Debug().Str("module", "session").Int("user", userID).Msg("disconnected")
	}
	return s, ok
}

// Session returns the concrete session of an online user.
func (r *Registry) Session(userID int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// User implements channel.UserLookup.
func (r *Registry) User(userID int) (channel.User, bool) {
	s, ok := r.Session(userID)
	if !ok {
		return nil, false
	}
	return s, true
}

// Username implements channel.UserLookup.
func (r *Registry) Username(userID int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[userID]; ok {
		return name
	}
	return channel.UnknownUsername
}

// Remember records a display name for a user who is not online.
func (r *Registry) Remember(userID int, name string) {
	r.mu.Lock()
	r.names[userID] = name
	r.mu.Unlock()
}

// Online returns the ids of online users in ascending order.
func (r *Registry) Online() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
