// Package authz maps roles to capabilities. Everything here is a pure function.
package authz

import (
	"slices"

	"authdesk/internal/models"
)

const (
	PermRead        = "read"
	PermWrite       = "write"
	PermDelete      = "delete"
	PermManageUsers = "manage_users"
	PermViewLogs    = "view_logs"
)

var permissions = map[models.Role][]string{
	models.RoleAdmin:  {PermRead, PermWrite, PermDelete, PermManageUsers, PermViewLogs},
	models.RoleUser:   {PermRead, PermWrite, PermDelete},
	models.RoleViewer: {PermRead},
}

// Permissions returns a copy of the capability set for role. Unknown roles get none.
func Permissions(role models.Role) []string {
	return slices.Clone(permissions[role])
}

func Can(role models.Role, perm string) bool {
	return slices.Contains(permissions[role], perm)
}

// Allow reports whether role is one of allowed. An unknown role is never allowed.
func Allow(role models.Role, allowed ...models.Role) bool {
	if !ValidRole(string(role)) {
		return false
	}
	return slices.Contains(allowed, role)
}

func ValidRole(role string) bool {
	_, ok := permissions[models.Role(role)]
	return ok
}

// Roles lists the known roles from most to least privileged.
func Roles() []models.Role {
	return []models.Role{models.RoleAdmin, models.RoleUser, models.RoleViewer}
}
