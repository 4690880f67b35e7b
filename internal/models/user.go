package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User roles. Only admins manage cloud accounts and permissions.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleViewer = "viewer"
)

func IsRole(r string) bool {
	return r == RoleAdmin || r == RoleUser || r == RoleViewer
}

// User represents a portal user.
type User struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email" validate:"required,email"`
	PasswordHash string         `gorm:"not null" json:"-"`
	Name         string         `gorm:"not null" json:"name" validate:"required"`
	Role         string         `gorm:"type:varchar(20);not null;default:user" json:"role" validate:"omitempty,oneof=admin user viewer"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// Principal is the authenticated caller, taken from the bearer token.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanWrite reports whether the role may submit or change deployments at all.
func (p Principal) CanWrite() bool { return p.Role == RoleAdmin || p.Role == RoleUser }
