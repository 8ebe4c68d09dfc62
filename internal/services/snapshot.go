package services

import (
	"encoding/json"
	"fmt"

	"github.com/FernandoVinha/TheManager/internal/models"
)

// Snapshots are the before/after images stored on outbox events. They hold
// only what reconciliation needs, never secrets.

type UserSnapshot struct {
	ID        uint            `json:"id"`
	Username  string          `json:"username"`
	Email     string          `json:"email"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Role      models.UserRole `json:"role"`
	IsActive  bool            `json:"is_active"`
}

type ProjectSnapshot struct {
	ID            uint              `json:"id"`
	Key           string            `json:"key"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Visibility    models.Visibility `json:"visibility"`
	RepoOwner     string            `json:"repo_owner"`
	RepoName      string            `json:"repo_name"`
	DefaultBranch string            `json:"default_branch"`
}

type MemberSnapshot struct {
	ID        uint              `json:"id"`
	ProjectID uint              `json:"project_id"`
	UserID    uint              `json:"user_id"`
	Username  string            `json:"username"`
	Role      models.MemberRole `json:"role"`
}

type TaskSnapshot struct {
	ID         uint              `json:"id"`
	ProjectID  uint              `json:"project_id"`
	Key        string            `json:"key"`
	Status     models.TaskStatus `json:"status"`
	AssigneeID *uint             `json:"assignee_id,omitempty"`
	ForkOwner  string            `json:"fork_owner,omitempty"`
	ForkName   string            `json:"fork_name,omitempty"`
}

func snapshotUser(u *models.User) *UserSnapshot {
	return &UserSnapshot{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		IsActive:  u.IsActive,
	}
}

func snapshotProject(p *models.Project) *ProjectSnapshot {
	return &ProjectSnapshot{
		ID:            p.ID,
		Key:           p.Key,
		Name:          p.Name,
		Description:   p.Description,
		Visibility:    p.Visibility,
		RepoOwner:     p.RepoOwner,
		RepoName:      p.RepoName,
		DefaultBranch: p.DefaultBranch,
	}
}

func snapshotMember(m *models.ProjectMember, username string) *MemberSnapshot {
	return &MemberSnapshot{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		UserID:    m.UserID,
		Username:  username,
		Role:      m.Role,
	}
}

func snapshotTask(t *models.Task) *TaskSnapshot {
	return &TaskSnapshot{
		ID:         t.ID,
		ProjectID:  t.ProjectID,
		Key:        t.Key,
		Status:     t.Status,
		AssigneeID: t.AssigneeID,
		ForkOwner:  t.ForkOwner,
		ForkName:   t.ForkName,
	}
}

// decodeSnapshot fills v from a stored snapshot. It returns false for an
// empty snapshot (create has no before, delete has no after).
func decodeSnapshot(raw string, v interface{}) (bool, error) {
	if raw == "" || raw == "null" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("%w: decode snapshot: %v", ErrInvalidInput, err)
	}
	return true, nil
}
