package channel

import (
	"github.com/rs/zerolog/log"
)

// Reserved group ids of the default template.
const (
	GuestGroupID   = 0
	DefaultGroupID = 1
	ModGroupID     = 5
	AdminGroupID   = 9
	OwnerGroupID   = 11

	// UnknownGroupID identifies the sentinel group resolved for
	// permanently banned users.
	UnknownGroupID = -2
)

// GroupData is the persisted form of a group. Permissions are kept as wire
// names so that unknown or ineligible entries survive a round trip through
// storage and are only filtered when a Group is built.
type GroupData struct {
	ID          int
	ChannelID   int
	Name        string
	Description string
	IconURL     string
	Type        GroupType
	Permissions []string
}

// Group is an immutable per-channel role. Updates replace the whole value.
type Group struct {
	ID          int
	ChannelID   int
	Name        string
	IconURL     string
	Type        GroupType
	Permissions PermissionSet
}

// NewGroup builds a group from persisted data. Unknown permission names and
// permissions the group's type may not hold are dropped with a warning. A
// list containing "all" is replaced by every permission the type may hold,
// without warnings.
func NewGroup(data GroupData) *Group {
	g := &Group{
		ID:        data.ID,
		ChannelID: data.ChannelID,
		Name:      data.Name,
		IconURL:   data.IconURL,
		Type:      data.Type,
	}

	var requested PermissionSet
	for _, name := range data.Permissions {
		p, ok := ParsePermission(name)
		if !ok {
			log.Warn().Str("module", "channel").Int("channel", data.ChannelID).Int("group", data.ID).
				Str("permission", name).Msg("group: unknown permission dropped")
			continue
		}
		requested = requested.With(p)
	}

	if requested.Has(PermAll) {
		g.Permissions = EligibleFor(g.Type)
		return g
	}

	for p := Permission(0); p < numPermissions; p++ {
		if !requested.Has(p) {
			continue
		}
		if !p.CanHold(g.Type) {
			log.Warn().Str("module", "channel").Int("channel", data.ChannelID).Int("group", data.ID).
				Str("permission", p.String()).Str("type", g.Type.String()).
				Msg("group: permission not available to group type, dropped")
			continue
		}
		g.Permissions = g.Permissions.With(p)
	}
	return g
}

// HasPermission reports whether the group holds p.
func (g *Group) HasPermission(p Permission) bool {
	return g.Permissions.Has(p)
}

// Data returns the persisted form of the group.
func (g *Group) Data() GroupData {
	return GroupData{
		ID:          g.ID,
		ChannelID:   g.ChannelID,
		Name:        g.Name,
		IconURL:     g.IconURL,
		Type:        g.Type,
		Permissions: g.Permissions.Names(),
	}
}

// isOwnerGroup reports whether g is the channel's owner slot itself, as
// opposed to another group configured with the owner type.
func (g *Group) isOwnerGroup() bool {
	return g.ID == OwnerGroupID && g.Type == TypeOwner
}

// CanAct reports whether a holder of actor may moderate a holder of target:
// the actor's level must be strictly higher. The owner group may act on
// itself; no other equal-level pair qualifies.
func CanAct(actor, target *Group) bool {
	if actor == nil || target == nil {
		return false
	}
	if actor.isOwnerGroup() && target.isOwnerGroup() {
		return true
	}
	return actor.Type.Level() > target.Type.Level()
}

// CanAssign reports whether actor may place a member into target. Guest and
// owner typed groups are never assignable through membership edits.
func CanAssign(actor, target *Group) bool {
	if target == nil || target.Type == TypeGuest || target.Type == TypeOwner {
		return false
	}
	return CanAct(actor, target)
}

// unknownGroup is the zero-permission group resolved for banned users.
func unknownGroup(channelID int) *Group {
	return &Group{ID: UnknownGroupID, ChannelID: channelID, Name: "Unknown", Type: TypeNormal}
}

// DefaultGroups returns the baseline group template for a channel. The
// returned slice is a fresh copy; persisted group data overrides entries by id.
func DefaultGroups(channelID int) []GroupData {
	normal := []string{"join", "talk"}
	moderator := []string{"join", "talk", "kick", "tempban", "permban", "reset", "lockchannel"}
	all := []string{"all"}

	tmpl := []struct {
		id    int
		name  string
		typ   GroupType
		perms []string
	}{
		{GuestGroupID, "Guest", TypeGuest, nil},
		{DefaultGroupID, "Rank one", TypeNormal, normal},
		{2, "Rank two", TypeNormal, normal},
		{3, "Rank three", TypeNormal, normal},
		{4, "Rank four", TypeNormal, normal},
		{ModGroupID, "Moderator", TypeModerator, moderator},
		{6, "Rank six", TypeModerator, moderator},
		{7, "Rank seven", TypeModerator, moderator},
		{8, "Rank eight", TypeModerator, moderator},
		{AdminGroupID, "Administrator", TypeAdministrator, all},
		{10, "Rank ten", TypeAdministrator, all},
		{OwnerGroupID, "Owner", TypeOwner, all},
	}

	out := make([]GroupData, 0, len(tmpl))
	for _, t := range tmpl {
		out = append(out, GroupData{
			ID:          t.id,
			ChannelID:   channelID,
			Name:        t.name,
			Type:        t.typ,
			Permissions: append([]string(nil), t.perms...),
		})
	}
	return out
}
