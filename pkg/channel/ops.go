package channel

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/events"
)

const (
	kickBanDuration = 60 * time.Second

	minTempBanMins = 1
	maxTempBanMins = 360
	minLockMins    = 1
	maxLockMins    = 60
)

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Join places u in the channel, loading it if necessary. The checks run in a
// fixed order and the first failing one decides the response. A user already
// in another channel leaves it once every check has passed.
func (m *Manager) Join(u User, channelID int) Response {
	return m.observe("join", m.join(u, channelID))
}

func (m *Manager) join(u User, channelID int) Response {
	if !m.ChannelExists(channelID) {
		return respond(ChannelNotFound)
	}
	c, err := m.ensureLoaded(channelID)
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Int("channel", channelID).Msg("join: load failed")
		return respond(UnknownError)
	}
	if c.HasUser(u.ID()) {
		return respond(NoChange)
	}
	if c.UnloadQueued() || m.joinLock.Load() {
		return respond(UnknownError)
	}
	if c.IsBanned(u.ID()) {
		return respond(Banned)
	}
	group := c.UserGroup(u.ID())
	if !group.HasPermission(PermJoin) {
		return respond(NotAuthorisedGeneral)
	}
	if lock := c.ActiveLockRank(); lock != NoLock && group.ID <= lock {
		return respondWith(Locked, map[string]any{"lockGroup": c.GroupName(lock)})
	}
	if c.IsTempBanned(u.ID()) {
		return respondWith(BannedTemp, map[string]any{"banExpires": c.TempBanExpiry(u.ID()).Unix()})
	}

	if prev := u.ChannelID(); prev != NoChannel && prev != channelID {
		m.leave(u, prev)
	}

	c.AddUser(u)
	if c.UnloadQueued() || m.channel(channelID) != c {
		// Lost a race with an unload.
		c.RemoveUser(u)
		return respond(UnknownError)
	}
	m.broadcast(c, events.ChannelListAddition, userPacket(c, u))
	u.SetChannelID(channelID)

	colour, err := strconv.Atoi(c.Attribute(AttrWelcomeColour))
	if err != nil {
		colour = ColourDefault
	}
	m.sendLocalMessage(u, c, c.Attribute(AttrWelcomeMessage), 40, colour)

	return respondWith(Success, map[string]any{
		"group":   groupPacket(group),
		"details": detailsPacket(c, m.users),
	})
}

// SendMessage posts a chat message from u to every occupant.
func (m *Manager) SendMessage(u User, channelID int, text string) Response {
	return m.observe("message", m.sendMessage(u, channelID, text))
}

func (m *Manager) sendMessage(u User, channelID int, text string) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasUser(u.ID()) {
		return respond(NotInChannel)
	}
	group := c.UserGroup(u.ID())
	if !group.HasPermission(PermTalk) {
		return respond(NotAuthorisedGeneral)
	}
	msg := c.AddToMessageCache(events.ChannelStandard, map[string]any{
		"message":     text,
		"senderID":    u.ID(),
		"senderName":  u.Name(),
		"senderGroup": groupPacket(group),
	})
	m.broadcast(c, events.ChannelStandard, msg.Payload)
	return respondWith(Success, map[string]any{"messageID": msg.ID})
}

// Leave removes u from the channel and clears its channel pointer. A user
// with no current channel, or one who is not an occupant of the channel,
// gets NO_CHANGE. For a channel that is not loaded a stale pointer to it is
// still cleared, but the response is CHANNEL_NOT_LOADED.
func (m *Manager) Leave(u User, channelID int) Response {
	return m.observe("leave", m.leave(u, channelID))
}

func (m *Manager) leave(u User, channelID int) Response {
	if u.ChannelID() == NoChannel {
		return respond(NoChange)
	}
	c := m.channel(channelID)
	if c == nil {
		if u.ChannelID() == channelID {
			u.SetChannelID(NoChannel)
			u.SendMessage(events.ChannelRemoval, channelID, map[string]any{"id": channelID})
		}
		return respond(ChannelNotLoaded)
	}

	if !c.RemoveUser(u) {
		// Not an occupant here. Only a stale pointer to this channel is
		// cleared; the user's real channel is left alone.
		if u.ChannelID() == channelID {
			u.SetChannelID(NoChannel)
		}
		return respond(NoChange)
	}
	if c.UserCount() == 0 {
		m.QueueUnload(channelID)
	} else {
		m.broadcast(c, events.ChannelListRemoval, userRemovalPacket(c, u.ID()))
	}
	if u.ChannelID() == channelID {
		u.SetChannelID(NoChannel)
	}
	u.SendMessage(events.ChannelRemoval, channelID, map[string]any{"id": channelID})
	return respond(Success)
}

// Reset warns the occupants and queues the channel for unload. Occupants
// are removed by the next sweep.
func (m *Manager) Reset(actor User, channelID int) Response {
	return m.observe("reset", m.reset(actor, channelID))
}

func (m *Manager) reset(actor User, channelID int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermReset) {
		return respond(NotAuthorisedGeneral)
	}
	if c.ResetLaunched() {
		return respond(NoChange)
	}

	secs := int(m.period / time.Second)
	m.sendGlobalMessage(c, fmt.Sprintf("This channel will be reset within the next %d seconds.\n"+
		"All members will be removed.\nYou may join again after the reset.", secs), 109, ColourBlue)
	m.QueueUnload(channelID)
	c.resetLaunched.Store(true)
	log.Info().Str("module", "channel").Int("channel", channelID).Int("actor", actor.ID()).Msg("channel reset queued")
	return respond(Success)
}

// Kick removes target from the channel and bars it from rejoining for a
// minute.
func (m *Manager) Kick(actor User, channelID, target int) Response {
	return m.observe("kick", m.kick(actor, channelID, target))
}

func (m *Manager) kick(actor User, channelID, target int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermKick) {
		return respond(NotAuthorisedGeneral)
	}
	tu, ok := c.OnlineUser(target)
	if !ok {
		return respondWith(NotInChannel, map[string]any{"kickedUser": usernameOf(m.users, target)})
	}
	params := map[string]any{"kickedUser": tu.Name()}
	if !c.CanActOn(actor.ID(), target) {
		return respondWith(NotAuthorisedSpecific, params)
	}

	m.leave(tu, channelID)
	m.sendLocalMessage(tu, c, "You have been kicked from the channel.", 115, ColourRed)
	c.SetTempBan(target, kickBanDuration)
	log.Info().Str("module", "channel").Int("channel", channelID).Int("actor", actor.ID()).
		Int("target", target).Msg("user kicked")
	return respondWith(Success, params)
}

// TempBan bars target from joining for durationMins, clamped to [1, 360].
func (m *Manager) TempBan(actor User, channelID, target, durationMins int) Response {
	return m.observe("tempban", m.tempBan(actor, channelID, target, durationMins))
}

func (m *Manager) tempBan(actor User, channelID, target, durationMins int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	params := map[string]any{"bannedName": usernameOf(m.users, target)}
	if !c.HasPermission(actor.ID(), PermTempBan) {
		return respondWith(NotAuthorisedGeneral, params)
	}
	if !c.CanActOn(actor.ID(), target) {
		return respondWith(NotAuthorisedSpecific, params)
	}

	mins := clamp(durationMins, minTempBanMins, maxTempBanMins)
	c.SetTempBan(target, time.Duration(mins)*time.Minute)
	params["durationMins"] = mins
	return respondWith(Success, params)
}

// Lock refuses joins from users whose rank is at or below highestRank for
// durationMins, clamped to [1, 60]. The threshold must be below the actor's
// own rank, and an active lock covering the actor's rank cannot be replaced.
func (m *Manager) Lock(actor User, channelID, highestRank, durationMins int) Response {
	return m.observe("lock", m.lock(actor, channelID, highestRank, durationMins))
}

func (m *Manager) lock(actor User, channelID, highestRank, durationMins int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermLockChannel) {
		return respond(NotAuthorisedGeneral)
	}
	threshold, ok := c.Group(highestRank)
	if !ok {
		return respond(InvalidArgument)
	}
	userRank := c.UserRank(actor.ID())
	if highestRank >= userRank {
		return respondWith(NotAuthorisedSpecific, map[string]any{"highestRank": highestRank})
	}
	if current := c.ActiveLockRank(); current != NoLock && current >= userRank {
		return respond(UnknownError)
	}

	mins := clamp(durationMins, minLockMins, maxLockMins)
	c.SetLock(highestRank, time.Duration(mins)*time.Minute)
	m.sendGlobalMessage(c, fmt.Sprintf("This channel has been locked for all members with a rank of %s and below.\n"+
		"Anyone holding these ranks cannot rejoin the channel if they leave, until the lock is removed.",
		threshold.Name), 173, ColourDefault)
	return respondWith(Success, map[string]any{
		"durationMins": mins,
		"highestRank":  highestRank,
		"lockGroup":    threshold.Name,
	})
}
