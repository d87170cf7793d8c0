package domain

import "strings"

// Role is a caller privilege level carried in access tokens.
type Role string

// Roles in ascending privilege order.
const (
	RoleGuest Role = "GUEST"
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleUser:
		return 2
	case RoleGuest:
		return 1
	}
	return 0
}

// Allows reports whether r meets the required role.
func (r Role) Allows(required Role) bool {
	return r.rank() >= required.rank() && r.rank() > 0
}

// ParseRole normalises a role claim; unknown values yield an empty role.
func ParseRole(raw string) Role {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if role.rank() == 0 {
		return ""
	}
	return role
}

// Principal identifies an authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}
