package models

import (
	"fmt"
	"strings"
	"time"
)

type Methodology string

const (
	MethodologyScrum  Methodology = "scrum"
	MethodologyKanban Methodology = "kanban"
	MethodologyXP     Methodology = "xp"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

func ParseMethodology(s string) (Methodology, error) {
	switch m := Methodology(strings.ToLower(s)); m {
	case MethodologyScrum, MethodologyKanban, MethodologyXP:
		return m, nil
	case "":
		return MethodologyKanban, nil
	}
	return "", fmt.Errorf("invalid methodology %q", s)
}

func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(s)); v {
	case VisibilityPrivate, VisibilityPublic:
		return v, nil
	case "":
		return VisibilityPrivate, nil
	}
	return "", fmt.Errorf("invalid visibility %q", s)
}

// Project is a team workspace backed by one remote repository.
type Project struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	Name        string      `gorm:"size:200;not null" json:"name"`
	Key         string      `gorm:"column:project_key;uniqueIndex;size:20;not null" json:"key"`
	Description string      `gorm:"type:text" json:"description"`
	Methodology Methodology `gorm:"size:20;default:kanban" json:"methodology"`
	Visibility  Visibility  `gorm:"size:20;default:private" json:"visibility"`

	// Workflow settings are stored for the board UI only.
	SprintLengthDays int `gorm:"default:14" json:"sprint_length_days"`
	WIPLimit         int `gorm:"default:0" json:"wip_limit"`

	RepoOwner     string `gorm:"size:100;not null" json:"repo_owner"`
	RepoName      string `gorm:"size:200" json:"repo_name"`
	DefaultBranch string `gorm:"size:100;default:main" json:"default_branch"`
	AutoInit      bool   `gorm:"not null" json:"auto_init"`
	RepoURL       string `gorm:"size:500" json:"repo_url"`

	SyncState SyncState  `gorm:"size:20;default:pending;index" json:"sync_state"`
	SyncError string     `gorm:"type:text" json:"sync_error"`
	SyncedAt  *time.Time `json:"synced_at"`

	Members   []ProjectMember `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
	CreatedBy uint            `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

// Private reports whether the remote repository must be private.
func (p *Project) Private() bool {
	return p.Visibility != VisibilityPublic
}

// RepoReady reports whether the remote repository has been created.
func (p *Project) RepoReady() bool {
	return p.RepoName != "" && p.RepoURL != ""
}

// DesiredRepoName is the repository name used on creation: the explicit
// name when set, otherwise a slug of the project key.
func (p *Project) DesiredRepoName() string {
	if p.RepoName != "" {
		return p.RepoName
	}
	return strings.ToLower(p.Key)
}
