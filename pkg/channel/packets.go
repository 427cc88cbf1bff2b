package channel

import "sort"

// Payload builders for the notifications and list views sent to clients.
// Every builder panics when handed a nil channel: that is a caller bug, not a
// runtime condition.

// Colours of system messages, as 0xRRGGBB.
const (
	ColourDefault = 0
	ColourRed     = 0xFF0000
	ColourBlue    = 0x0000FF
)

func mustChannel(c *Channel) {
	if c == nil {
		panic("channel: nil channel passed to packet builder")
	}
}

func usernameOf(users UserLookup, userID int) string {
	if users == nil {
		return UnknownUsername
	}
	if name := users.Username(userID); name != "" {
		return name
	}
	return UnknownUsername
}

func detailsPacket(c *Channel, users UserLookup) map[string]any {
	mustChannel(c)
	d := c.Details()
	guests := false
	if g, ok := c.Group(GuestGroupID); ok {
		guests = g.HasPermission(PermJoin)
	}
	return map[string]any{
		"id":             d.ID,
		"uuid":           d.UUID.String(),
		"name":           d.Name,
		"alias":          d.Alias,
		"description":    d.Description,
		"memberCount":    c.MemberCount(),
		"guestsCanJoin":  guests,
		"welcomeMessage": c.Attribute(AttrWelcomeMessage),
		"messageColour":  c.Attribute(AttrWelcomeColour),
		"owner": map[string]any{
			"id":   d.Owner,
			"name": usernameOf(users, d.Owner),
		},
		"trackMessages": d.TrackMessages,
	}
}

func groupPacket(g *Group) map[string]any {
	if g == nil {
		return nil
	}
	return map[string]any{
		"id":   g.ID,
		"name": g.Name,
		"icon": g.IconURL,
		"type": g.Type.String(),
	}
}

func groupDetailsPacket(g *Group) map[string]any {
	p := groupPacket(g)
	p["permissions"] = g.Permissions.Names()
	return p
}

// userPacket describes an occupant for the channel user list.
func userPacket(c *Channel, u User) map[string]any {
	mustChannel(c)
	g := c.UserGroup(u.ID())
	return map[string]any{
		"userID":   u.ID(),
		"username": u.Name(),
		"group":    groupPacket(g),
		"rank":     g.ID,
	}
}

// permissionPacket tells a user their own group and permissions.
func permissionPacket(c *Channel, userID int) map[string]any {
	mustChannel(c)
	g := c.UserGroup(userID)
	return map[string]any{
		"group":       groupPacket(g),
		"permissions": g.Permissions.Names(),
	}
}

func userRemovalPacket(c *Channel, userID int) map[string]any {
	mustChannel(c)
	return map[string]any{"userID": userID}
}

func memberPacket(c *Channel, users UserLookup, userID int) map[string]any {
	mustChannel(c)
	g := c.UserGroup(userID)
	return map[string]any{
		"userID":   userID,
		"username": usernameOf(users, userID),
		"group":    groupPacket(g),
		"rank":     g.ID,
	}
}

func memberRemovalPacket(c *Channel, userID int) map[string]any {
	mustChannel(c)
	return map[string]any{"userID": userID}
}

func banPacket(c *Channel, users UserLookup, userID int) map[string]any {
	mustChannel(c)
	return map[string]any{
		"userID":   userID,
		"username": usernameOf(users, userID),
	}
}

func banRemovalPacket(c *Channel, userID int) map[string]any {
	mustChannel(c)
	return map[string]any{"userID": userID}
}

func attributePacket(c *Channel, key, value string) map[string]any {
	mustChannel(c)
	return map[string]any{"key": key, "value": value}
}

func userListPacket(c *Channel) map[string]any {
	mustChannel(c)
	occupants := c.Users()
	list := make([]map[string]any, 0, len(occupants))
	for _, u := range occupants {
		list = append(list, userPacket(c, u))
	}
	return map[string]any{
		"id":         c.ID(),
		"totalUsers": len(list),
		"users":      list,
	}
}

func memberListPacket(c *Channel, users UserLookup) map[string]any {
	mustChannel(c)
	members := c.Members()
	ids := make([]int, 0, len(members))
	for u := range members {
		ids = append(ids, u)
	}
	sort.Ints(ids)
	list := make([]map[string]any, 0, len(ids))
	for _, u := range ids {
		list = append(list, memberPacket(c, users, u))
	}
	return map[string]any{
		"id":         c.ID(),
		"totalRanks": len(list),
		"members":    list,
	}
}

func banListPacket(c *Channel, users UserLookup) map[string]any {
	mustChannel(c)
	bans := c.Bans()
	list := make([]map[string]any, 0, len(bans))
	for _, u := range bans {
		list = append(list, banPacket(c, users, u))
	}
	return map[string]any{
		"id":        c.ID(),
		"totalBans": len(list),
		"bans":      list,
	}
}

func groupListPacket(c *Channel) map[string]any {
	mustChannel(c)
	groups := c.Groups()
	list := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		list = append(list, groupDetailsPacket(g))
	}
	return map[string]any{
		"id":     c.ID(),
		"groups": list,
	}
}

func systemMessagePacket(message string, code, colour int) map[string]any {
	return map[string]any{
		"message": message,
		"code":    code,
		"colour":  colour,
	}
}
