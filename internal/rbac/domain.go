package rbac

import "time"

// PermissionStatus reports whether a permission may be granted.
type PermissionStatus string

const (
	StatusEnabled  PermissionStatus = "enabled"
	StatusDisabled PermissionStatus = "disabled"
)

// Permission represents an atomic capability. Slug is the only field the
// evaluator reads.
type Permission struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Slug        string           `json:"slug"`
	Description string           `json:"description,omitempty"`
	Status      PermissionStatus `json:"status"`
}

// Enabled reports whether the permission contributes to a PermissionSet.
func (p Permission) Enabled() bool {
	return p.Status == "" || p.Status == StatusEnabled
}

// Role represents a named, ordered bundle of permissions.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Actor describes the authenticated user. Role is optional.
type Actor struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  *Role  `json:"role,omitempty"`
}

// SessionState is a point-in-time view of the session provider consumed by
// the Gate.
type SessionState struct {
	Actor               *Actor
	AuthLoading         bool
	PermissionsResolved bool
	Permissions         PermissionSet
}
