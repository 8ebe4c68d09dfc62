package models

import (
	"fmt"
	"strings"
	"time"
)

// UserRole is the account level inside the organisation.
type UserRole string

const (
	UserRoleAdmin   UserRole = "admin"
	UserRoleManager UserRole = "manager"
	UserRoleSenior  UserRole = "senior"
	UserRoleRegular UserRole = "regular"
	UserRoleJunior  UserRole = "junior"
)

// Rank orders roles from least (1) to most (5) privileged. Unknown roles rank 0.
func (r UserRole) Rank() int {
	switch r {
	case UserRoleJunior:
		return 1
	case UserRoleRegular:
		return 2
	case UserRoleSenior:
		return 3
	case UserRoleManager:
		return 4
	case UserRoleAdmin:
		return 5
	}
	return 0
}

func ParseUserRole(s string) (UserRole, error) {
	r := UserRole(strings.ToLower(strings.TrimSpace(s)))
	if r.Rank() == 0 {
		return "", fmt.Errorf("invalid user role %q", s)
	}
	return r, nil
}

// SyncState tracks how far an entity has been mirrored to the remote service.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

// User represents a local account mirrored to the Git-hosting service.
type User struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	Username  string   `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Email     string   `gorm:"uniqueIndex;size:255;not null" json:"email"`
	FirstName string   `gorm:"size:100" json:"first_name"`
	LastName  string   `gorm:"size:100" json:"last_name"`
	Password  string   `gorm:"size:255" json:"-"` // bcrypt hash
	Role      UserRole `gorm:"size:20;default:regular" json:"role"`
	IsActive  bool     `gorm:"not null" json:"is_active"`

	GiteaID          *int64     `json:"gitea_id"`
	GiteaURL         string     `gorm:"size:500" json:"gitea_url"`
	GiteaAvatarURL   string     `gorm:"size:500" json:"gitea_avatar_url"`
	PasswordSyncedAt *time.Time `json:"password_synced_at"`

	SyncState SyncState  `gorm:"size:20;default:pending;index" json:"sync_state"`
	SyncError string     `gorm:"type:text" json:"sync_error"`
	SyncedAt  *time.Time `json:"synced_at"`

	LastLogin *time.Time `json:"last_login"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// FullName joins first and last name, falling back to the username.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}
