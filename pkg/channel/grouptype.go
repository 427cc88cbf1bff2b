package channel

import "strings"

// GroupType is the authority tier of a group. The numeric value is the
// tier's level: a higher level can act on every lower one.
type GroupType int

const (
	TypeGuest         GroupType = -1
	TypeNormal        GroupType = 0
	TypeModerator     GroupType = 1
	TypeAdministrator GroupType = 2
	TypeOwner         GroupType = 3
	TypeSystem        GroupType = 4
)

var groupTypes = []GroupType{TypeGuest, TypeNormal, TypeModerator, TypeAdministrator, TypeOwner, TypeSystem}

// Level returns the ordering level used for authority comparisons.
func (t GroupType) Level() int { return int(t) }

// Valid reports whether t is one of the declared tiers.
func (t GroupType) Valid() bool { return t >= TypeGuest && t <= TypeSystem }

func (t GroupType) String() string {
	switch t {
	case TypeGuest:
		return "guest"
	case TypeNormal:
		return "normal"
	case TypeModerator:
		return "moderator"
	case TypeAdministrator:
		return "administrator"
	case TypeOwner:
		return "owner"
	case TypeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseGroupType resolves a tier by its case-insensitive name.
func ParseGroupType(name string) (GroupType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range groupTypes {
		if t.String() == name {
			return t, true
		}
	}
	return TypeNormal, false
}
