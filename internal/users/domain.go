package users

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/shared"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("users: not found")

// User is a directory entry. Sales assignment only ever targets active STAFF.
type User struct {
	ID        uuid.UUID   `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Role      shared.Role `json:"role"`
	IsActive  bool        `json:"is_active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Assignable reports whether leads may be assigned to the user.
func (u User) Assignable() bool {
	return u.IsActive && u.Role == shared.RoleStaff
}
