package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/clock"
	"github.com/crystal-mush/chanserv/pkg/events"
	"github.com/crystal-mush/chanserv/pkg/scheduler"
)

// DefaultSweepPeriod is how often loaded channels are swept when no period
// is configured.
const DefaultSweepPeriod = time.Minute

// Options configures a Manager. Store, Index and Users are required.
type Options struct {
	Store     Store
	Index     Index
	Users     UserLookup
	Clock     clock.Clock
	Publisher Publisher
	Observer  Observer

	// Attributes declares the editable attribute keys. Defaults to
	// DefaultAttributes.
	Attributes Attributes
	// GroupTemplate supplies the baseline groups of a channel before stored
	// overrides are applied. Defaults to DefaultGroups.
	GroupTemplate    func(channelID int) []GroupData
	MessageRetention time.Duration
	SweepPeriod      time.Duration
}

// Manager is the registry of loaded channels and the entry point for every
// channel operation. Operations never return errors: each produces a
// Response describing the outcome.
type Manager struct {
	store     Store
	index     Index
	users     UserLookup
	clock     clock.Clock
	publisher Publisher
	observer  Observer
	cfg       channelConfig
	period    time.Duration

	mu       sync.RWMutex
	channels map[int]*Channel
	loadMu   sync.Mutex

	queueMu     sync.Mutex
	unloadQueue []*Channel

	joinLock atomic.Bool
}

// NewManager builds a manager from opts.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("channel: store is required")
	}
	if opts.Index == nil {
		return nil, errors.New("channel: index is required")
	}
	if opts.Users == nil {
		return nil, errors.New("channel: user lookup is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Attributes == nil {
		opts.Attributes = DefaultAttributes()
	}
	if opts.GroupTemplate == nil {
		opts.GroupTemplate = DefaultGroups
	}
	if opts.SweepPeriod <= 0 {
		opts.SweepPeriod = DefaultSweepPeriod
	}

	return &Manager{
		store:     opts.Store,
		index:     opts.Index,
		users:     opts.Users,
		clock:     opts.Clock,
		publisher: opts.Publisher,
		observer:  opts.Observer,
		cfg: channelConfig{
			store:     opts.Store,
			clock:     opts.Clock,
			attrs:     opts.Attributes,
			template:  opts.GroupTemplate,
			retention: opts.MessageRetention,
		},
		period:   opts.SweepPeriod,
		channels: make(map[int]*Channel),
	}, nil
}

// Register schedules the periodic sweep and the two shutdown tasks.
func (m *Manager) Register(s Scheduler) {
	s.ScheduleRecurring("channel-sweep", m.Sweep, m.period, m.period)
	s.AddShutdownTask("channel-commit", m.shutdownCommit, scheduler.High)
	s.AddShutdownTask("channel-unload", m.shutdownUnload, scheduler.Normal)
}

// --- Registry ---

func (m *Manager) channel(id int) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[id]
}

// Channel returns the loaded channel with the given id.
func (m *Manager) Channel(id int) (*Channel, bool) {
	c := m.channel(id)
	return c, c != nil
}

// IsLoaded reports whether the channel is in the registry.
func (m *Manager) IsLoaded(id int) bool {
	return m.channel(id) != nil
}

// loaded returns a snapshot of the registry.
func (m *Manager) loaded() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out
}

// LoadedCount returns the number of loaded channels.
func (m *Manager) LoadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// OccupantCount returns the number of occupants across loaded channels.
func (m *Manager) OccupantCount() int {
	n := 0
	for _, c := range m.loaded() {
		n += c.UserCount()
	}
	return n
}

// UnloadQueueLen returns the number of channels waiting to be unloaded.
func (m *Manager) UnloadQueueLen() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.unloadQueue)
}

// JoinLocked reports whether new joins are refused because the server is
// shutting down.
func (m *Manager) JoinLocked() bool { return m.joinLock.Load() }

// ChannelExists reports whether the channel is loaded or known to the index.
func (m *Manager) ChannelExists(id int) bool {
	if m.IsLoaded(id) {
		return true
	}
	_, err := m.index.LookupByID(id)
	return err == nil
}

// LoadChannel loads the channel into the registry. It is a no-op if the
// channel is already loaded. ErrChannelNotFound is returned for unknown ids.
func (m *Manager) LoadChannel(id int) error {
	if m.IsLoaded(id) {
		return nil
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.IsLoaded(id) {
		return nil
	}

	details, err := m.store.ChannelDetails(id)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return err
		}
		return fmt.Errorf("load channel %d: %w", id, err)
	}
	c, err := loadChannel(details, m.cfg)
	if err != nil {
		return fmt.Errorf("load channel %d: %w", id, err)
	}

	m.mu.Lock()
	m.channels[id] = c
	m.mu.Unlock()

	m.observer.ChannelLoaded(id)
	log.Info().Str("module", "channel").Int("channel", id).Str("name", details.Name).
		Int("members", c.MemberCount()).Msg("channel loaded")
	return nil
}

// ensureLoaded loads the channel on demand and returns it.
func (m *Manager) ensureLoaded(id int) (*Channel, error) {
	if c := m.channel(id); c != nil {
		return c, nil
	}
	if err := m.LoadChannel(id); err != nil {
		return nil, err
	}
	c := m.channel(id)
	if c == nil {
		// Unloaded between the load and the lookup.
		return nil, fmt.Errorf("channel %d unloaded during load", id)
	}
	return c, nil
}

// QueueUnload marks a loaded channel for eviction at the next sweep. A
// channel is queued at most once; repeated calls are no-ops. It returns
// false if the channel is not loaded.
func (m *Manager) QueueUnload(id int) bool {
	c := m.channel(id)
	if c == nil {
		return false
	}
	if c.unloadQueued.CompareAndSwap(false, true) {
		m.queueMu.Lock()
		m.unloadQueue = append(m.unloadQueue, c)
		m.queueMu.Unlock()
	}
	return true
}

// Sweep visits every loaded channel once: expired temp bans and locks are
// dropped, dirty details flushed and empty channels queued for unload. The
// store is committed once, then the unload queue is drained.
func (m *Manager) Sweep() {
	start := m.clock.Now()
	channels := m.loaded()
	for _, c := range channels {
		m.sweepChannel(c, start)
	}
	if err := m.store.Commit(); err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("sweep: commit failed")
	}
	unloaded := m.drainUnloadQueue()

	took := m.clock.Now().Sub(start)
	m.observer.SweepCompleted(len(channels), unloaded, took)
	log.Debug().Str("module", "channel").Int("loaded", len(channels)).Int("unloaded", unloaded).
		Dur("took", took).Msg("sweep complete")
}

func (m *Manager) sweepChannel(c *Channel, now time.Time) {
	if n := c.expireTempBans(now); n > 0 {
		log.Debug().Str("module", "channel").Int("channel", c.ID()).Int("expired", n).Msg("temp bans expired")
	}
	if c.clearExpiredLock(now) {
		log.Debug().Str("module", "channel").Int("channel", c.ID()).Msg("lock expired")
	}
	if c.NeedsFlush() {
		if err := c.flushDetails(); err != nil {
			log.Error().Err(err).Str("module", "channel").Int("channel", c.ID()).Msg("sweep: flush failed")
		}
	}
	if c.UserCount() == 0 {
		m.QueueUnload(c.ID())
	}
}

func (m *Manager) drainUnloadQueue() int {
	m.queueMu.Lock()
	queue := m.unloadQueue
	m.unloadQueue = nil
	m.queueMu.Unlock()

	for _, c := range queue {
		m.unloadChannel(c)
	}
	return len(queue)
}

// unloadChannel removes every occupant and evicts the channel. The queued
// flag is cleared only after eviction, so a join racing the unload always
// sees either the flag or a registry without the channel.
func (m *Manager) unloadChannel(c *Channel) {
	for _, u := range c.Users() {
		m.sendLocalMessage(u, c, "You have been removed from the channel.", 155, ColourRed)
		m.leave(u, c.ID())
	}
	if c.NeedsFlush() {
		if err := c.flushDetails(); err != nil {
			log.Error().Err(err).Str("module", "channel").Int("channel", c.ID()).Msg("unload: flush failed")
		}
	}

	m.mu.Lock()
	if m.channels[c.ID()] == c {
		delete(m.channels, c.ID())
	}
	m.mu.Unlock()
	c.unloadQueued.Store(false)
	c.resetLaunched.Store(false)

	m.observer.ChannelUnloaded(c.ID())
	log.Info().Str("module", "channel").Int("channel", c.ID()).Msg("channel unloaded")
}

// shutdownCommit refuses new joins and writes out every pending change.
func (m *Manager) shutdownCommit() {
	m.joinLock.Store(true)
	for _, c := range m.loaded() {
		if !c.NeedsFlush() {
			continue
		}
		if err := c.flushDetails(); err != nil {
			log.Error().Err(err).Str("module", "channel").Int("channel", c.ID()).Msg("shutdown: flush failed")
		}
	}
	if err := m.store.Commit(); err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("shutdown: commit failed")
	}
}

// shutdownUnload refuses new joins and unloads every channel.
func (m *Manager) shutdownUnload() {
	m.joinLock.Store(true)
	for _, c := range m.loaded() {
		m.QueueUnload(c.ID())
	}
	n := m.drainUnloadQueue()
	log.Info().Str("module", "channel").Int("unloaded", n).Msg("all channels unloaded")
}

// --- Delivery ---

// broadcast sends payload to every occupant. Fan-outs on one channel are
// serialized so occupants observe them in the same order.
func (m *Manager) broadcast(c *Channel, t events.Type, payload map[string]any) {
	c.broadcastMu.Lock()
	for _, u := range c.Users() {
		u.SendMessage(t, c.ID(), payload)
	}
	c.broadcastMu.Unlock()
	m.publish(c, t, payload)
}

func (m *Manager) publish(c *Channel, t events.Type, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Emit(events.Event{
		Type:    t,
		User:    events.NoUser,
		Channel: c.ID(),
		Time:    m.clock.Now(),
		Payload: payload,
	})
}

// sendGlobalMessage caches a system notice and sends it to every occupant.
func (m *Manager) sendGlobalMessage(c *Channel, message string, code, colour int) {
	msg := c.AddToMessageCache(events.ChannelSystemGlobal, systemMessagePacket(message, code, colour))
	m.broadcast(c, events.ChannelSystemGlobal, msg.Payload)
}

// sendLocalMessage sends a system notice to one user only.
func (m *Manager) sendLocalMessage(u User, c *Channel, message string, code, colour int) {
	u.SendMessage(events.ChannelSystemLocal, c.ID(), systemMessagePacket(message, code, colour))
}

// notifyRankChange refreshes the occupant list entry of target and tells
// target its new permissions, if target is present.
func (m *Manager) notifyRankChange(c *Channel, target int) {
	u, ok := c.OnlineUser(target)
	if !ok {
		return
	}
	m.broadcast(c, events.ChannelListUpdate, userPacket(c, u))
	u.SendMessage(events.PermissionUpdate, c.ID(), permissionPacket(c, target))
}

func (m *Manager) observe(op string, r Response) Response {
	m.observer.OperationCompleted(op, r.Type)
	log.Debug().Str("module", "channel").Str("op", op).Str("result", r.Type.String()).Msg("operation")
	return r
}

// --- Read surface ---

// ChannelID resolves a channel name to its id.
func (m *Manager) ChannelID(name string) (int, bool) {
	d, err := m.index.LookupByName(name)
	if err != nil {
		return 0, false
	}
	return d.ID, true
}

// Details returns a channel's durable details, from the loaded channel if
// there is one and from the index otherwise.
func (m *Manager) Details(id int) (Details, bool) {
	if c := m.channel(id); c != nil {
		return c.Details(), true
	}
	d, err := m.index.LookupByID(id)
	if err != nil {
		return Details{}, false
	}
	return d, true
}

// TrackMessages reports whether the channel's chat is kept in scrollback.
func (m *Manager) TrackMessages(id int) bool {
	d, ok := m.Details(id)
	return ok && d.TrackMessages
}

// Search finds channels whose name contains term.
func (m *Manager) Search(term string, limit int) ([]Details, error) {
	return m.index.Search(term, limit)
}

// DetailsPacket returns the client view of a channel, loading it if needed.
func (m *Manager) DetailsPacket(id int) (map[string]any, bool) {
	c, err := m.ensureLoaded(id)
	if err != nil {
		return nil, false
	}
	return detailsPacket(c, m.users), true
}

// UserList returns the occupants of a loaded channel.
func (m *Manager) UserList(id int) (map[string]any, bool) {
	c := m.channel(id)
	if c == nil {
		return nil, false
	}
	return userListPacket(c), true
}

// MemberList returns the member table, loading the channel if needed.
func (m *Manager) MemberList(id int) (map[string]any, bool) {
	c, err := m.ensureLoaded(id)
	if err != nil {
		return nil, false
	}
	return memberListPacket(c, m.users), true
}

// BanList returns the permanent bans, loading the channel if needed.
func (m *Manager) BanList(id int) (map[string]any, bool) {
	c, err := m.ensureLoaded(id)
	if err != nil {
		return nil, false
	}
	return banListPacket(c, m.users), true
}

// GroupList returns the groups, loading the channel if needed.
func (m *Manager) GroupList(id int) (map[string]any, bool) {
	c, err := m.ensureLoaded(id)
	if err != nil {
		return nil, false
	}
	return groupListPacket(c), true
}

// Messages returns the cached messages of a loaded channel newer than
// afterID.
func (m *Manager) Messages(id int, afterID int64) ([]CachedMessage, bool) {
	c := m.channel(id)
	if c == nil {
		return nil, false
	}
	return c.Messages(afterID), true
}
