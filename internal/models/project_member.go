package models

import (
	"fmt"
	"strings"
	"time"
)

// MemberRole is a closed set; ParseMemberRole is the only entry point from strings.
type MemberRole string

const (
	MemberRoleOwner      MemberRole = "owner"
	MemberRoleMaintainer MemberRole = "maintainer"
	MemberRoleDeveloper  MemberRole = "developer"
	MemberRoleReporter   MemberRole = "reporter"
	MemberRoleGuest      MemberRole = "guest"
)

// MemberRoles lists every role from most to least privileged.
var MemberRoles = []MemberRole{
	MemberRoleOwner,
	MemberRoleMaintainer,
	MemberRoleDeveloper,
	MemberRoleReporter,
	MemberRoleGuest,
}

func ParseMemberRole(s string) (MemberRole, error) {
	r := MemberRole(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range MemberRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid member role %q, must be one of owner, maintainer, developer, reporter, guest", s)
}

// ProjectMember represents a user's membership and role within a project.
type ProjectMember struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	ProjectID uint       `gorm:"uniqueIndex:idx_project_user;not null" json:"project_id"`
	Project   *Project   `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	UserID    uint       `gorm:"uniqueIndex:idx_project_user;not null" json:"user_id"`
	User      *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Role      MemberRole `gorm:"size:20;default:developer" json:"role"`

	SyncState SyncState  `gorm:"size:20;default:pending" json:"sync_state"`
	SyncError string     `gorm:"type:text" json:"sync_error"`
	SyncedAt  *time.Time `json:"synced_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProjectMember) TableName() string { return "project_members" }
