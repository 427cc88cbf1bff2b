package channel

import (
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/events"
)

// AddMember records target in the default group.
func (m *Manager) AddMember(actor User, channelID, target int) Response {
	return m.observe("member.add", m.addMember(actor, channelID, target))
}

func (m *Manager) addMember(actor User, channelID, target int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermMemberEdit) {
		return respond(NotAuthorisedGeneral)
	}
	params := map[string]any{"memberName": usernameOf(m.users, target)}
	if c.IsBanned(target) {
		return respondWith(TargetBanned, params)
	}
	if c.IsMember(target) {
		return respondWith(NoChange, params)
	}
	if !c.AddMember(target, DefaultGroupID) {
		if c.IsBanned(target) {
			// Banned concurrently.
			return respondWith(TargetBanned, params)
		}
		return respondWith(UnknownError, params)
	}

	m.broadcast(c, events.MemberListAddition, memberPacket(c, m.users, target))
	m.notifyRankChange(c, target)
	return respondWith(Success, params)
}

// UpdateMember moves a member to groupID. The actor must outrank both the
// member and the destination group.
func (m *Manager) UpdateMember(actor User, channelID, target, groupID int) Response {
	return m.observe("member.update", m.updateMember(actor, channelID, target, groupID))
}

func (m *Manager) updateMember(actor User, channelID, target, groupID int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermMemberEdit) {
		return respond(NotAuthorisedGeneral)
	}
	dest, ok := c.Group(groupID)
	if !ok {
		return respond(InvalidArgument)
	}
	params := map[string]any{
		"memberName":   usernameOf(m.users, target),
		"targetGroup":  groupPacket(dest),
		"currentGroup": groupPacket(c.UserGroup(target)),
	}
	if !c.IsMember(target) {
		return respondWith(TargetInvalidState, params)
	}
	if !c.CanActOn(actor.ID(), target) {
		return respondWith(NotAuthorisedSpecific, params)
	}
	if !CanAssign(c.UserGroup(actor.ID()), dest) {
		return respondWith(InvalidArgument, params)
	}
	if !c.SetMemberGroup(target, groupID) {
		return respondWith(UnknownError, params)
	}

	m.broadcast(c, events.MemberListUpdate, memberPacket(c, m.users, target))
	m.notifyRankChange(c, target)
	return respondWith(Success, params)
}

// RemoveMember deletes target from the member table.
func (m *Manager) RemoveMember(actor User, channelID, target int) Response {
	return m.observe("member.remove", m.removeMember(actor, channelID, target))
}

func (m *Manager) removeMember(actor User, channelID, target int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermMemberEdit) {
		return respond(NotAuthorisedGeneral)
	}
	params := map[string]any{"memberName": usernameOf(m.users, target)}
	if !c.IsMember(target) {
		return respondWith(NoChange, params)
	}
	if !c.CanActOn(actor.ID(), target) {
		return respondWith(NotAuthorisedSpecific, params)
	}
	if !c.RemoveMember(target) {
		return respondWith(UnknownError, params)
	}

	m.broadcast(c, events.MemberListRemoval, memberRemovalPacket(c, target))
	m.notifyRankChange(c, target)
	return respondWith(Success, params)
}

// AddBan permanently bans target. Members must be removed first.
func (m *Manager) AddBan(actor User, channelID, target int) Response {
	return m.observe("ban.add", m.addBan(actor, channelID, target))
}

func (m *Manager) addBan(actor User, channelID, target int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermPermBan) {
		return respond(NotAuthorisedGeneral)
	}
	params := map[string]any{"bannedName": usernameOf(m.users, target)}
	if c.IsBanned(target) {
		return respondWith(NoChange, params)
	}
	if c.IsMember(target) {
		return respondWith(TargetInvalidState, params)
	}
	if !c.AddBan(target) {
		if c.IsMember(target) {
			return respondWith(TargetInvalidState, params)
		}
		return respondWith(UnknownError, params)
	}

	m.broadcast(c, events.BanListAddition, banPacket(c, m.users, target))
	return respondWith(Success, params)
}

// RemoveBan lifts a permanent ban.
func (m *Manager) RemoveBan(actor User, channelID, target int) Response {
	return m.observe("ban.remove", m.removeBan(actor, channelID, target))
}

func (m *Manager) removeBan(actor User, channelID, target int) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermPermBan) {
		return respond(NotAuthorisedGeneral)
	}
	params := map[string]any{"bannedName": usernameOf(m.users, target)}
	if !c.IsBanned(target) {
		return respondWith(NoChange, params)
	}
	if !c.RemoveBan(target) {
		return respondWith(UnknownError, params)
	}

	m.broadcast(c, events.BanListRemoval, banRemovalPacket(c, target))
	return respondWith(Success, params)
}

// SetAttribute changes a declared attribute. Info attributes need
// DETAILEDIT, settings need GROUPEDIT, and system attributes cannot be set.
func (m *Manager) SetAttribute(actor User, channelID int, key, value string) Response {
	return m.observe("attribute", m.setAttribute(actor, channelID, key, value))
}

func (m *Manager) setAttribute(actor User, channelID int, key, value string) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	def, ok := c.attrDefs.Lookup(key)
	if !ok || def.Kind == AttrSystem {
		return respondWith(InvalidArgument, map[string]any{"key": key})
	}
	required := PermDetailEdit
	if def.Kind == AttrSetting {
		required = PermGroupEdit
	}
	if !c.HasPermission(actor.ID(), required) {
		return respond(NotAuthorisedGeneral)
	}
	params := map[string]any{"key": key, "value": value}
	if !c.SetAttribute(key, value) {
		return respondWith(UnknownError, params)
	}

	m.broadcast(c, events.AttributeUpdate, attributePacket(c, key, value))
	return respondWith(Success, params)
}

// GroupUpdate is a requested change to an existing group.
type GroupUpdate struct {
	ID          int
	Name        string
	IconURL     string
	Type        GroupType
	Permissions []string
}

// UpdateGroup replaces a group's name, icon, type and permissions. The
// actor must be able to act on the group both before and after the change.
// The owner type stays with the owner group.
func (m *Manager) UpdateGroup(actor User, channelID int, upd GroupUpdate) Response {
	return m.observe("group.update", m.updateGroup(actor, channelID, upd))
}

func (m *Manager) updateGroup(actor User, channelID int, upd GroupUpdate) Response {
	c := m.channel(channelID)
	if c == nil {
		return respond(ChannelNotLoaded)
	}
	if !c.HasPermission(actor.ID(), PermGroupEdit) {
		return respond(NotAuthorisedGeneral)
	}
	current, ok := c.Group(upd.ID)
	if !ok || strings.TrimSpace(upd.Name) == "" || !upd.Type.Valid() || upd.Type == TypeSystem {
		return respond(InvalidArgument)
	}
	if (upd.ID == OwnerGroupID) != (upd.Type == TypeOwner) {
		return respond(InvalidArgument)
	}

	next := NewGroup(GroupData{
		ID:          upd.ID,
		ChannelID:   channelID,
		Name:        upd.Name,
		IconURL:     upd.IconURL,
		Type:        upd.Type,
		Permissions: upd.Permissions,
	})
	params := map[string]any{"group": groupPacket(next)}
	actorGroup := c.UserGroup(actor.ID())
	if !CanAct(actorGroup, current) || !CanAct(actorGroup, next) {
		return respondWith(NotAuthorisedSpecific, params)
	}
	if !c.SetGroup(next) {
		return respondWith(UnknownError, params)
	}

	m.broadcast(c, events.GroupUpdate, groupDetailsPacket(next))
	for _, u := range c.Users() {
		if c.UserGroup(u.ID()).ID == next.ID {
			u.SendMessage(events.PermissionUpdate, channelID, permissionPacket(c, u.ID()))
		}
	}
	return respondWith(Success, params)
}

// CreateChannel registers a new channel owned by owner. Names are unique
// regardless of case.
func (m *Manager) CreateChannel(owner User, name string, trackMessages bool) Response {
	return m.observe("create", m.createChannel(owner, name, trackMessages))
}

func (m *Manager) createChannel(owner User, name string, trackMessages bool) Response {
	name = strings.TrimSpace(name)
	if name == "" {
		return respond(InvalidArgument)
	}
	params := map[string]any{"name": name}
	if _, err := m.index.LookupByName(name); err == nil {
		return respondWith(TargetInvalidState, params)
	} else if !errors.Is(err, ErrChannelNotFound) {
		log.Error().Err(err).Str("module", "channel").Str("name", name).Msg("create: name lookup failed")
		return respondWith(UnknownError, params)
	}

	d, err := m.store.CreateChannel(Details{
		Name:          name,
		Alias:         name,
		Owner:         owner.ID(),
		TrackMessages: trackMessages,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Str("name", name).Msg("create: store failed")
		return respondWith(UnknownError, params)
	}
	log.Info().Str("module", "channel").Int("channel", d.ID).Str("name", name).Int("owner", owner.ID()).
		Msg("channel created")
	params["channelID"] = d.ID
	params["uuid"] = d.UUID.String()
	return respondWith(Success, params)
}
