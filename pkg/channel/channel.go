package channel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/clock"
	"github.com/crystal-mush/chanserv/pkg/events"
)

// NoLock is the lock rank of an unlocked channel.
const NoLock = -100

// Channel is one loaded chat room. Durable state (details, attributes,
// groups, members, bans) is written through to the Store before the
// in-memory copy changes; runtime state (occupants, temp bans, lock,
// message cache) lives only here.
//
// Each table has its own lock and no method holds two of them at once, so
// edits to the member table never wait on the ban set and vice versa.
type Channel struct {
	id       int
	store    Store
	clock    clock.Clock
	attrDefs Attributes

	detailsMu sync.RWMutex
	details   Details

	attrMu     sync.RWMutex
	attributes map[string]string

	groupMu   sync.RWMutex
	groups    map[int]*Group
	persisted map[int]bool // group ids with a stored override

	// AddMember and AddBan hold memberMu then banMu so that a user can
	// never end up both a member and banned.
	memberMu sync.RWMutex
	members  map[int]int

	banMu sync.RWMutex
	bans  map[int]struct{}

	userMu sync.RWMutex
	users  map[int]User

	tempMu   sync.Mutex
	tempBans map[int]time.Time

	lockMu      sync.RWMutex
	lockRank    int
	lockExpires time.Time

	cache         *messageCache
	nextMessageID atomic.Int64

	// broadcastMu keeps fan-outs from interleaving so every occupant sees
	// this channel's notifications in the same order.
	broadcastMu sync.Mutex

	dirty         atomic.Bool
	unloadQueued  atomic.Bool
	resetLaunched atomic.Bool
}

type channelConfig struct {
	store     Store
	clock     clock.Clock
	attrs     Attributes
	template  func(channelID int) []GroupData
	retention time.Duration
}

// loadChannel builds a Channel from the store. Bans are loaded before
// members so that membership can be reconciled against them.
func loadChannel(details Details, cfg channelConfig) (*Channel, error) {
	c := &Channel{
		id:         details.ID,
		store:      cfg.store,
		clock:      cfg.clock,
		attrDefs:   cfg.attrs,
		details:    details,
		attributes: make(map[string]string),
		groups:     make(map[int]*Group),
		persisted:  make(map[int]bool),
		members:    make(map[int]int),
		bans:       make(map[int]struct{}),
		users:      make(map[int]User),
		tempBans:   make(map[int]time.Time),
		lockRank:   NoLock,
		cache:      newMessageCache(cfg.retention),
	}

	attrs, err := cfg.store.ChannelAttributes(c.id)
	if err != nil {
		return nil, fmt.Errorf("load attributes: %w", err)
	}
	for k, v := range attrs {
		c.attributes[k] = v
	}

	groupData, err := cfg.store.ChannelGroups(c.id)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	c.loadGroups(cfg.template(c.id), groupData)

	bans, err := cfg.store.ChannelBans(c.id)
	if err != nil {
		return nil, fmt.Errorf("load bans: %w", err)
	}
	for _, u := range bans {
		c.bans[u] = struct{}{}
	}

	members, err := cfg.store.ChannelMembers(c.id)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	c.loadMembers(members)
	return c, nil
}

func (c *Channel) loadGroups(template, stored []GroupData) {
	for _, d := range template {
		d.ChannelID = c.id
		c.groups[d.ID] = NewGroup(d)
	}
	for _, d := range stored {
		d.ChannelID = c.id
		c.groups[d.ID] = NewGroup(d)
		c.persisted[d.ID] = true
	}
}

// loadMembers installs the stored member table, correcting entries that
// collide with a ban, reference a missing group, or claim the owner slot
// without being the owner. Corrections are written back to the store.
func (c *Channel) loadMembers(stored map[int]int) {
	owner := c.details.Owner
	for userID, groupID := range stored {
		if _, banned := c.bans[userID]; banned {
			if err := c.store.RemoveMember(c.id, userID); err != nil {
				log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("user", userID).
					Msg("channel: failed to remove banned member")
			}
			continue
		}
		g, ok := c.groups[groupID]
		if !ok || (g.Type == TypeOwner && userID != owner) {
			if err := c.store.UpdateMember(c.id, userID, DefaultGroupID); err != nil {
				log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("user", userID).
					Msg("channel: failed to correct member group")
			}
			groupID = DefaultGroupID
		}
		c.members[userID] = groupID
	}
	if owner > 0 {
		c.members[owner] = OwnerGroupID
	}
}

// ID returns the channel id.
func (c *Channel) ID() int { return c.id }

// Details returns a copy of the channel's durable metadata.
func (c *Channel) Details() Details {
	c.detailsMu.RLock()
	defer c.detailsMu.RUnlock()
	return c.details
}

func (c *Channel) Name() string { return c.Details().Name }

func (c *Channel) Alias() string { return c.Details().Alias }

func (c *Channel) UUID() uuid.UUID { return c.Details().UUID }

func (c *Channel) OwnerID() int { return c.Details().Owner }

func (c *Channel) TrackMessages() bool { return c.Details().TrackMessages }

// --- Attributes ---

// Attribute returns the value of key, falling back to its declared default.
func (c *Channel) Attribute(key string) string {
	c.attrMu.RLock()
	v, ok := c.attributes[key]
	c.attrMu.RUnlock()
	if ok {
		return v
	}
	if def, ok := c.attrDefs.Lookup(key); ok {
		return def.Default
	}
	return ""
}

// Attributes returns every declared attribute with its effective value.
func (c *Channel) Attributes() map[string]string {
	out := make(map[string]string, len(c.attrDefs))
	for k, def := range c.attrDefs {
		out[k] = def.Default
	}
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	for k, v := range c.attributes {
		out[k] = v
	}
	return out
}

// SetAttribute persists and applies an attribute value. On a store failure
// the in-memory value is left unchanged and false is returned.
func (c *Channel) SetAttribute(key, value string) bool {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()

	var err error
	if _, exists := c.attributes[key]; exists {
		err = c.store.UpdateAttribute(c.id, key, value)
	} else {
		err = c.store.AddAttribute(c.id, key, value)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Str("key", key).
			Msg("channel: failed to persist attribute")
		return false
	}
	c.attributes[key] = value
	c.dirty.Store(true)
	return true
}

// --- Groups ---

// Group returns the group with the given id.
func (c *Channel) Group(id int) (*Group, bool) {
	c.groupMu.RLock()
	defer c.groupMu.RUnlock()
	g, ok := c.groups[id]
	return g, ok
}

// Groups returns every group ordered by id.
func (c *Channel) Groups() []*Group {
	c.groupMu.RLock()
	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	c.groupMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupName returns the name of group id, or "Unknown".
func (c *Channel) GroupName(id int) string {
	if g, ok := c.Group(id); ok {
		return g.Name
	}
	return "Unknown"
}

// SetGroup persists and installs a group, replacing any existing group with
// the same id.
func (c *Channel) SetGroup(g *Group) bool {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()

	var err error
	if c.persisted[g.ID] {
		err = c.store.UpdateGroup(c.id, g.Data())
	} else {
		err = c.store.AddGroup(c.id, g.Data())
	}
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("group", g.ID).
			Msg("channel: failed to persist group")
		return false
	}
	c.groups[g.ID] = g
	c.persisted[g.ID] = true
	return true
}

// UserGroup resolves the effective group of a user: the owner group for the
// owner, the assigned group for members, the unknown group for banned
// users and the guest group for everyone else.
func (c *Channel) UserGroup(userID int) *Group {
	if userID == c.OwnerID() {
		if g, ok := c.Group(OwnerGroupID); ok {
			return g
		}
	}
	c.memberMu.RLock()
	groupID, member := c.members[userID]
	c.memberMu.RUnlock()
	if member {
		if g, ok := c.Group(groupID); ok {
			return g
		}
		if g, ok := c.Group(DefaultGroupID); ok {
			return g
		}
	}
	if c.IsBanned(userID) {
		return unknownGroup(c.id)
	}
	if g, ok := c.Group(GuestGroupID); ok {
		return g
	}
	return unknownGroup(c.id)
}

// HasPermission reports whether the user's effective group holds p.
func (c *Channel) HasPermission(userID int, p Permission) bool {
	return c.UserGroup(userID).HasPermission(p)
}

// CanActOn reports whether actor may moderate target in this channel.
func (c *Channel) CanActOn(actorID, targetID int) bool {
	return CanAct(c.UserGroup(actorID), c.UserGroup(targetID))
}

// --- Members ---

// IsMember reports whether the user is in the member table or is the owner.
func (c *Channel) IsMember(userID int) bool {
	if userID == c.OwnerID() {
		return true
	}
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	_, ok := c.members[userID]
	return ok
}

// Members returns a copy of the member table.
func (c *Channel) Members() map[int]int {
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	out := make(map[int]int, len(c.members))
	for u, g := range c.members {
		out[u] = g
	}
	return out
}

// MemberCount returns the size of the member table.
func (c *Channel) MemberCount() int {
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	return len(c.members)
}

// AddMember records userID in groupID. It fails if the user is already a
// member, is banned, or the store rejects the write.
func (c *Channel) AddMember(userID, groupID int) bool {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	if c.IsBanned(userID) {
		return false
	}
	if _, ok := c.members[userID]; ok {
		return false
	}
	if err := c.store.AddMember(c.id, userID, groupID); err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("user", userID).
			Msg("channel: failed to add member")
		return false
	}
	c.members[userID] = groupID
	return true
}

// SetMemberGroup moves an existing member to groupID.
func (c *Channel) SetMemberGroup(userID, groupID int) bool {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	if _, ok := c.members[userID]; !ok {
		return false
	}
	if err := c.store.UpdateMember(c.id, userID, groupID); err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("user", userID).
			Msg("channel: failed to update member")
		return false
	}
	c.members[userID] = groupID
	return true
}

// RemoveMember deletes userID from the member table.
func (c *Channel) RemoveMember(userID int) bool {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	if _, ok := c.members[userID]; !ok {
		return false
	}
	if err := c.store.RemoveMember(c.id, userID); err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("user", userID).
			Msg("channel: failed to remove member")
		return false
	}
	delete(c.members, userID)
	return true
}

// --- Bans ---

// IsBanned reports whether the user is permanently banned.
func (c *Channel) IsBanned(userID int) bool {
	c.banMu.RLock()
	defer c.banMu.RUnlock()
	_, ok := c.bans[userID]
	return ok
}

// Bans returns the permanently banned user ids in ascending order.
func (c *Channel) Bans() []int {
	c.banMu.RLock()
	out := make([]int, 0, len(c.bans))
	for u := range c.bans {
		out = append(out, u)
	}
	c.banMu.RUnlock()
	sort.Ints(out)
	return out
}

// AddBan permanently bans userID. It fails if the user is already banned,
// is a member, or the store rejects the write.
func (c *Channel) AddBan(userID int) bool {
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	if _, ok := c.members[userID]; ok {
		return false
	}
	c.banMu.Lock()
	defer c.banMu.Unlock()
	if _, ok := c.bans[userID]; ok {
		return false
	}
	if err := c.store.AddBan(c.id, userID); err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("user", userID).
			Msg("channel: failed to add ban")
		return false
	}
	c.bans[userID] = struct{}{}
	return true
}

// RemoveBan lifts a permanent ban.
func (c *Channel) RemoveBan(userID int) bool {
	c.banMu.Lock()
	defer c.banMu.Unlock()
	if _, ok := c.bans[userID]; !ok {
		return false
	}
	if err := c.store.RemoveBan(c.id, userID); err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", c.id).Int("user", userID).
			Msg("channel: failed to remove ban")
		return false
	}
	delete(c.bans, userID)
	return true
}

// --- Temporary bans ---

// SetTempBan bans userID until now+d, replacing any earlier expiry.
func (c *Channel) SetTempBan(userID int, d time.Duration) {
	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	c.tempBans[userID] = c.clock.Now().Add(d)
}

// TempBanExpiry returns when the user's temp ban ends, or the zero time.
func (c *Channel) TempBanExpiry(userID int) time.Time {
	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	return c.tempBans[userID]
}

// IsTempBanned compares the stored expiry with the clock, so a ban that has
// expired but not yet been swept no longer applies.
func (c *Channel) IsTempBanned(userID int) bool {
	exp := c.TempBanExpiry(userID)
	return !exp.IsZero() && exp.After(c.clock.Now())
}

// RemoveTempBan lifts a temp ban early.
func (c *Channel) RemoveTempBan(userID int) {
	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	delete(c.tempBans, userID)
}

// expireTempBans drops every temp ban that has run out and returns how many
// were dropped.
func (c *Channel) expireTempBans(now time.Time) int {
	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	n := 0
	for u, exp := range c.tempBans {
		if !exp.After(now) {
			delete(c.tempBans, u)
			n++
		}
	}
	return n
}

// --- Lock ---

// SetLock prevents users whose rank is at or below rank from joining for d.
func (c *Channel) SetLock(rank int, d time.Duration) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	c.lockRank = rank
	c.lockExpires = c.clock.Now().Add(d)
}

// RemoveLock clears the join lock.
func (c *Channel) RemoveLock() {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	c.lockRank = NoLock
	c.lockExpires = time.Time{}
}

// clearExpiredLock removes the lock if it ran out at or before now and
// reports whether it did.
func (c *Channel) clearExpiredLock(now time.Time) bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if c.lockRank == NoLock || c.lockExpires.After(now) {
		return false
	}
	c.lockRank = NoLock
	c.lockExpires = time.Time{}
	return true
}

// LockState returns the lock rank and expiry as stored, expired or not.
func (c *Channel) LockState() (rank int, expires time.Time) {
	c.lockMu.RLock()
	defer c.lockMu.RUnlock()
	return c.lockRank, c.lockExpires
}

// ActiveLockRank returns the lock rank if the lock has not yet expired, and
// NoLock otherwise.
func (c *Channel) ActiveLockRank() int {
	rank, exp := c.LockState()
	if exp.IsZero() || !exp.After(c.clock.Now()) {
		return NoLock
	}
	return rank
}

// UserRank is the rank compared against the channel lock: the id of the
// user's effective group.
func (c *Channel) UserRank(userID int) int {
	return c.UserGroup(userID).ID
}

// --- Occupants ---

// AddUser marks u as present in the channel.
func (c *Channel) AddUser(u User) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	c.users[u.ID()] = u
}

// RemoveUser removes u from the occupants and reports whether it was present.
func (c *Channel) RemoveUser(u User) bool {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	if _, ok := c.users[u.ID()]; !ok {
		return false
	}
	delete(c.users, u.ID())
	return true
}

// HasUser reports whether userID is currently present.
func (c *Channel) HasUser(userID int) bool {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	_, ok := c.users[userID]
	return ok
}

// OnlineUser returns the occupant with the given id.
func (c *Channel) OnlineUser(userID int) (User, bool) {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	u, ok := c.users[userID]
	return u, ok
}

// Users returns a snapshot of the occupants ordered by user id.
func (c *Channel) Users() []User {
	c.userMu.RLock()
	out := make([]User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	c.userMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// UserCount returns the number of occupants.
func (c *Channel) UserCount() int {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return len(c.users)
}

// --- Message cache ---

// AddToMessageCache stamps payload with the next message id and retains it
// for the cache window. The payload is modified in place.
func (c *Channel) AddToMessageCache(t events.Type, payload map[string]any) CachedMessage {
	if payload == nil {
		payload = make(map[string]any)
	}
	id := c.nextMessageID.Add(1)
	payload["messageID"] = id
	m := CachedMessage{
		ID:      id,
		Type:    t,
		Time:    c.clock.Now(),
		Payload: payload,
	}
	c.cache.add(m)
	return m
}

// Messages returns cached messages newer than afterID.
func (c *Channel) Messages(afterID int64) []CachedMessage {
	return c.cache.since(afterID, c.clock.Now())
}

// LastMessageID returns the id of the most recently cached message.
func (c *Channel) LastMessageID() int64 { return c.nextMessageID.Load() }

// --- Flags ---

// NeedsFlush reports whether durable details changed since the last sweep.
func (c *Channel) NeedsFlush() bool { return c.dirty.Load() }

// UnloadQueued reports whether the channel is waiting to be unloaded.
func (c *Channel) UnloadQueued() bool { return c.unloadQueued.Load() }

// ResetLaunched reports whether an administrative reset is pending.
func (c *Channel) ResetLaunched() bool { return c.resetLaunched.Load() }

// flushDetails writes the durable details back to the store and clears the
// dirty flag on success.
func (c *Channel) flushDetails() error {
	if err := c.store.UpdateDetails(c.Details()); err != nil {
		return err
	}
	c.dirty.Store(false)
	return nil
}
