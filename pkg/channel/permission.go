package channel

import (
	"sort"
	"strings"
)

// Permission is a capability a group may hold within a channel.
type Permission int

const (
	PermJoin Permission = iota
	PermTalk
	PermKick
	PermTempBan
	PermPermBan
	PermReset
	PermMemberEdit
	PermGroupEdit
	PermDetailEdit
	PermLockChannel
	PermAll // wildcard: expands to everything the holder's type may hold
	numPermissions
)

// typeSet is a bitmask over group types, indexed by level+1.
type typeSet uint8

func typesOf(types ...GroupType) typeSet {
	var s typeSet
	for _, t := range types {
		s |= 1 << uint(t.Level()+1)
	}
	return s
}

func (s typeSet) has(t GroupType) bool {
	if !t.Valid() {
		return false
	}
	return s&(1<<uint(t.Level()+1)) != 0
}

var (
	normalAndUp    = typesOf(TypeNormal, TypeModerator, TypeAdministrator, TypeOwner, TypeSystem)
	moderatorAndUp = typesOf(TypeModerator, TypeAdministrator, TypeOwner, TypeSystem)
	adminAndUp     = typesOf(TypeAdministrator, TypeOwner, TypeSystem)
)

// permissionTable maps each permission to its wire name and the group types
// eligible to hold it.
var permissionTable = [numPermissions]struct {
	name     string
	eligible typeSet
}{
	PermJoin:        {"join", normalAndUp},
	PermTalk:        {"talk", normalAndUp},
	PermKick:        {"kick", moderatorAndUp},
	PermTempBan:     {"tempban", moderatorAndUp},
	PermPermBan:     {"permban", moderatorAndUp},
	PermReset:       {"reset", moderatorAndUp},
	PermMemberEdit:  {"memberedit", adminAndUp},
	PermGroupEdit:   {"groupedit", adminAndUp},
	PermDetailEdit:  {"detailedit", adminAndUp},
	PermLockChannel: {"lockchannel", moderatorAndUp},
	PermAll:         {"all", adminAndUp},
}

func (p Permission) valid() bool { return p >= 0 && p < numPermissions }

// String returns the lowercase wire name of the permission.
func (p Permission) String() string {
	if !p.valid() {
		return "unknown"
	}
	return permissionTable[p].name
}

// CanHold reports whether a group of type t may ever hold p.
func (p Permission) CanHold(t GroupType) bool {
	if !p.valid() {
		return false
	}
	return permissionTable[p].eligible.has(t)
}

// ParsePermission resolves a permission by its case-insensitive name.
func ParsePermission(name string) (Permission, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p := Permission(0); p < numPermissions; p++ {
		if permissionTable[p].name == name {
			return p, true
		}
	}
	return 0, false
}

// PermissionSet is a set of permissions stored as a bitmask.
type PermissionSet uint32

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

// EligibleFor returns every permission a group of type t may hold.
func EligibleFor(t GroupType) PermissionSet {
	var s PermissionSet
	for p := Permission(0); p < numPermissions; p++ {
		if p.CanHold(t) {
			s = s.With(p)
		}
	}
	return s
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	return p.valid() && s&(1<<uint(p)) != 0
}

// With returns the set with p added.
func (s PermissionSet) With(p Permission) PermissionSet {
	if !p.valid() {
		return s
	}
	return s | 1<<uint(p)
}

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int {
	n := 0
	for p := Permission(0); p < numPermissions; p++ {
		if s.Has(p) {
			n++
		}
	}
	return n
}

// Names returns the sorted wire names of the permissions in the set.
func (s PermissionSet) Names() []string {
	var names []string
	for p := Permission(0); p < numPermissions; p++ {
		if s.Has(p) {
			names = append(names, p.String())
		}
	}
	sort.Strings(names)
	return names
}
