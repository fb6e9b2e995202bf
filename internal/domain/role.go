package domain

import "strings"

// Role is the caller's board role as resolved by the identity layer.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleMaintainer  Role = "maintainer"
	RoleAdmin       Role = "admin"
)

// ParseRole normalizes a role name; unknown names come back unchanged and fail Known.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

func (r Role) Known() bool {
	switch r {
	case RoleViewer, RoleContributor, RoleMaintainer, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies who performs an operation.
type Actor struct {
	UserID string
	Role   Role
}
