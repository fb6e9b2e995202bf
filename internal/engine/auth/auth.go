package auth

import (
	"fmt"
	"slices"
	"sort"

	"sprintboard/internal/config"
	"sprintboard/internal/domain"
)

const (
	PermBoardRead         = "board.read"
	PermTaskClaim         = "task.claim"
	PermTaskWork          = "task.work"
	PermOwnershipOverride = "ownership.override"
	PermSprintManage      = "sprint.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Role       domain.Role
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required (role %s)", e.Permission, e.Role)
}

// Service resolves role capabilities from the board config.
type Service struct {
	Roles map[string]config.RoleConfig
}

func New(cfg *config.Config) Service {
	if cfg == nil {
		cfg = config.Default()
	}
	return Service{Roles: cfg.RBAC.Roles}
}

// Permissions lists the permissions granted to role, sorted.
func (s Service) Permissions(role domain.Role) []string {
	rc, ok := s.Roles[string(role)]
	if !ok {
		return nil
	}
	perms := slices.Clone(rc.Permissions)
	sort.Strings(perms)
	return perms
}

func (s Service) Has(role domain.Role, perm string) bool {
	rc, ok := s.Roles[string(role)]
	if !ok {
		return false
	}
	return slices.Contains(rc.Permissions, perm)
}

// Require returns ForbiddenError when role lacks perm.
func (s Service) Require(role domain.Role, perm string) error {
	if s.Has(role, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm, Role: role}
}

// AtLeast compares role ranks as configured.
func (s Service) AtLeast(role, min domain.Role) bool {
	have, ok := s.Roles[string(role)]
	if !ok {
		return false
	}
	want, ok := s.Roles[string(min)]
	if !ok {
		return false
	}
	return have.Rank >= want.Rank
}
