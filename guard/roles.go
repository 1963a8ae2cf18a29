package guard

import "slices"

// Roles known to the auth service.
const (
	RoleOwner     = "OWNER"
	RoleAdmin     = "ADMIN"
	RoleDev       = "DEV"
	RoleTesting   = "TESTING"
	RoleAuditing  = "AUDITING"
	RoleManager   = "MANAGER"
	RoleSecretary = "SECRECTARY" // sic, as issued by the server
	RoleITManager = "IT_MANAGER"
	RoleITOfficer = "IT_OFFICER"
	RoleGuest     = "GUEST"
	RoleCustomer  = "CUSTOMER"
	RoleSupplier  = "SUPPLIER"
	RoleEmployee  = "EMPLOYEE"
)

// Level is a role group. Lower levels are more privileged and a level
// includes every level below it.
type Level int

const (
	Level0 Level = iota
	Level1
	Level2
	Level3
	Level4
	Level5
)

// NoLevel is the level of guests and unknown roles.
const NoLevel Level = -1

var groups = [...][]string{
	Level0: {RoleDev, RoleTesting, RoleAdmin},
	Level1: {RoleOwner, RoleAuditing, RoleITManager},
	Level2: {RoleManager},
	Level3: {RoleITOfficer, RoleSecretary},
	Level4: {RoleEmployee},
	Level5: {RoleCustomer, RoleSupplier},
}

// Roles returns the roles in exactly level l.
func Roles(l Level) []string {
	if l < Level0 || l > Level5 {
		return []string{RoleGuest}
	}
	return slices.Clone(groups[l])
}

// LevelOf returns the level of role, or NoLevel.
func LevelOf(role string) Level {
	for l, rs := range groups {
		if slices.Contains(rs, role) {
			return Level(l)
		}
	}
	return NoLevel
}

// HasAccess reports whether role may access something requiring level.
func HasAccess(role string, level Level) bool {
	if level < Level0 || level > Level5 {
		return false
	}
	l := LevelOf(role)
	return l != NoLevel && l <= level
}
