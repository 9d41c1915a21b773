package auth

import (
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-console/internal/rbac"
)

// User is a console account row. RoleID is nil for users without a role.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	RoleID       *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor projects the user onto the gate's actor; role is attached by the
// caller.
func (u *User) Actor() *rbac.Actor {
	return &rbac.Actor{ID: u.ID, Email: u.Email, Name: u.Name}
}

// SessionKey is the value stored in the cookie session for this user.
func (u *User) SessionKey() string {
	return strconv.FormatInt(u.ID, 10)
}
