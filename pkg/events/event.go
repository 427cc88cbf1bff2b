package events

import "time"

// Type classifies a notification delivered to channel occupants. The numeric
// values are part of the client protocol and must not be renumbered.
type Type int

const (
	ChannelSystemLocal  Type = 3  // System notice to one user
	ChannelSystemGlobal Type = 4  // System notice to every occupant
	ChannelStandard     Type = 5  // Chat message
	ChannelListAddition Type = 6  // Occupant joined
	ChannelListRemoval  Type = 7  // Occupant left
	ChannelListUpdate   Type = 8  // Occupant's group changed
	PermissionUpdate    Type = 9  // Recipient's own permissions changed
	ChannelRemoval      Type = 10 // Recipient was removed from the channel
	MemberListAddition  Type = 11
	MemberListRemoval   Type = 12
	MemberListUpdate    Type = 13
	BanListAddition     Type = 14
	BanListRemoval      Type = 15
	AttributeUpdate     Type = 16
	ChannelDetailUpdate Type = 17
	GroupUpdate         Type = 19
)

// String returns the wire name for the event type.
func (t Type) String() string {
	switch t {
	case ChannelSystemLocal:
		return "channel_system_local"
	case ChannelSystemGlobal:
		return "channel_system_global"
	case ChannelStandard:
		return "channel_standard"
	case ChannelListAddition:
		return "channel_list_addition"
	case ChannelListRemoval:
		return "channel_list_removal"
	case ChannelListUpdate:
		return "channel_list_update"
	case PermissionUpdate:
		return "permission_update"
	case ChannelRemoval:
		return "channel_removal"
	case MemberListAddition:
		return "member_list_addition"
	case MemberListRemoval:
		return "member_list_removal"
	case MemberListUpdate:
		return "member_list_update"
	case BanListAddition:
		return "ban_list_addition"
	case BanListRemoval:
		return "ban_list_removal"
	case AttributeUpdate:
		return "attribute_update"
	case ChannelDetailUpdate:
		return "channel_detail_update"
	case GroupUpdate:
		return "group_update"
	default:
		return "unknown"
	}
}

// NoUser marks an event that is not addressed to a single user, such as the
// channel-level record of a chat message handed to global subscribers.
const NoUser = -1

// Event is a structured channel notification flowing through the bus.
// Transports decide how to encode it; the websocket writes it as JSON.
type Event struct {
	Type    Type
	User    int            // Recipient (NoUser for channel-level records)
	Channel int            // Channel the event belongs to
	OrderID int64          // Per-recipient sequence, set by the session
	Time    time.Time      // When the event was produced
	Payload map[string]any // Structured data for the client
}
