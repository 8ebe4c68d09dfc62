package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/FernandoVinha/TheManager/internal/models"
	"gorm.io/gorm"
)

// MemberReconciler turns project memberships into repository collaborators.
type MemberReconciler struct {
	db     *gorm.DB
	remote RemoteClient
}

func NewMemberReconciler(db *gorm.DB, remote RemoteClient) *MemberReconciler {
	return &MemberReconciler{db: db, remote: remote}
}

func (r *MemberReconciler) Handle(ctx context.Context, ev *models.OutboxEvent) error {
	switch ev.Op {
	case models.OpCreate, models.OpUpdate:
		return r.apply(ctx, ev)
	case models.OpDelete:
		return r.remove(ctx, ev)
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidInput, ev.Op)
}

func (r *MemberReconciler) apply(ctx context.Context, ev *models.OutboxEvent) error {
	var snap MemberSnapshot
	if _, err := decodeSnapshot(ev.After, &snap); err != nil {
		return err
	}

	var m models.ProjectMember
	err := r.db.Where("project_id = ? AND user_id = ?", snap.ProjectID, snap.UserID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var p models.Project
	if err := r.db.First(&p, m.ProjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if !p.RepoReady() {
		if p.SyncState == models.SyncFailed {
			return configErr("project", p.ID, "repository is not available: %s", p.SyncError)
		}
		return fmt.Errorf("project %d repository: %w", p.ID, ErrNotReady)
	}

	var u models.User
	if err := r.db.First(&u, m.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if u.GiteaID == nil {
		if u.SyncState == models.SyncFailed {
			return configErr("user", u.ID, "remote account is not available: %s", u.SyncError)
		}
		return fmt.Errorf("user %d remote account: %w", u.ID, ErrNotReady)
	}

	// The namespace owner already has full access to its repositories.
	if strings.EqualFold(u.Username, p.RepoOwner) {
		return markSynced(r.db, &models.ProjectMember{}, m.ID)
	}

	perm, err := PermissionFor(m.Role)
	if err != nil {
		return err
	}
	if err := r.remote.AddCollaborator(ctx, p.RepoOwner, p.RepoName, u.Username, perm); err != nil {
		return err
	}
	return markSynced(r.db, &models.ProjectMember{}, m.ID)
}

func (r *MemberReconciler) remove(ctx context.Context, ev *models.OutboxEvent) error {
	var snap MemberSnapshot
	ok, err := decodeSnapshot(ev.Before, &snap)
	if err != nil || !ok {
		return err
	}

	var readded int64
	if err := r.db.Model(&models.ProjectMember{}).
		Where("project_id = ? AND user_id = ?", snap.ProjectID, snap.UserID).
		Count(&readded).Error; err != nil {
		return err
	}
	if readded > 0 {
		return nil
	}

	var p models.Project
	if err := r.db.First(&p, snap.ProjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if snap.Role == models.MemberRoleOwner {
		var owners int64
		if err := r.db.Model(&models.ProjectMember{}).
			Where("project_id = ? AND role = ?", p.ID, models.MemberRoleOwner).
			Count(&owners).Error; err != nil {
			return err
		}
		if owners == 0 {
			return configErr("project", p.ID, "refusing to revoke %s: project has no owner left", snap.Username)
		}
	}

	if !p.RepoReady() {
		return nil
	}

	username := snap.Username
	var u models.User
	if err := r.db.Select("username").First(&u, snap.UserID).Error; err == nil {
		username = u.Username
	}
	if username == "" || strings.EqualFold(username, p.RepoOwner) {
		return nil
	}
	return r.remote.RemoveCollaborator(ctx, p.RepoOwner, p.RepoName, username)
}
