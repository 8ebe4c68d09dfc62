package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
	"gorm.io/gorm"
)

// ProjectReconciler keeps one remote repository per project.
type ProjectReconciler struct {
	db            *gorm.DB
	remote        RemoteClient
	defaultBranch string
	deleteRepo    bool
}

func NewProjectReconciler(db *gorm.DB, remote RemoteClient, defaultBranch string, deleteRepo bool) *ProjectReconciler {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &ProjectReconciler{db: db, remote: remote, defaultBranch: defaultBranch, deleteRepo: deleteRepo}
}

func (r *ProjectReconciler) Handle(ctx context.Context, ev *models.OutboxEvent) error {
	switch ev.Op {
	case models.OpCreate, models.OpUpdate:
		return r.apply(ctx, ev)
	case models.OpDelete:
		return r.remove(ctx, ev)
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidInput, ev.Op)
}

func (r *ProjectReconciler) apply(ctx context.Context, ev *models.OutboxEvent) error {
	var p models.Project
	if err := r.db.First(&p, ev.EntityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	kind, err := r.remote.EnsureOwnerExists(ctx, p.RepoOwner)
	if errors.Is(err, gitea.ErrNotFound) {
		return configErr("project", p.ID, "repository owner %q does not exist on the remote service", p.RepoOwner)
	}
	if err != nil {
		return err
	}

	description := p.Description
	if description == "" {
		description = p.Name
	}

	if !p.RepoReady() {
		branch := p.DefaultBranch
		if branch == "" {
			branch = r.defaultBranch
		}
		repo, err := r.remote.CreateRepo(ctx, p.RepoOwner, kind, gitea.CreateRepoOption{
			Name:          p.DesiredRepoName(),
			Description:   description,
			Private:       p.Private(),
			AutoInit:      p.AutoInit,
			DefaultBranch: branch,
		})
		if err != nil {
			return err
		}
		if repo.DefaultBranch != "" {
			branch = repo.DefaultBranch
		}

		// Persisted without an outbox event: these fields are owned by the
		// reconciler, not by users.
		now := time.Now()
		var requeued int64
		err = r.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.Project{}).Where("id = ?", p.ID).UpdateColumns(map[string]interface{}{
				"repo_name":      repo.Name,
				"repo_url":       repo.HTMLURL,
				"default_branch": branch,
				"sync_state":     models.SyncSynced,
				"sync_error":     "",
				"synced_at":      &now,
			}).Error; err != nil {
				return err
			}
			n, err := requeueFailedMembers(tx, p.ID)
			requeued = n
			return err
		})
		if err == nil && requeued > 0 {
			LogInfo("Reconciler", "requeue_members", fmt.Sprintf("project %d: %d member events re-queued", p.ID, requeued),
				nil, "", "", map[string]interface{}{"project_id": p.ID})
		}
		return err
	}

	private := p.Private()
	if _, err := r.remote.EditRepo(ctx, p.RepoOwner, p.RepoName, gitea.EditRepoOption{
		Description: &description,
		Private:     &private,
	}); err != nil {
		return err
	}
	return markSynced(r.db, &models.Project{}, p.ID)
}

func (r *ProjectReconciler) remove(ctx context.Context, ev *models.OutboxEvent) error {
	if !r.deleteRepo {
		return nil
	}
	var before ProjectSnapshot
	ok, err := decodeSnapshot(ev.Before, &before)
	if err != nil {
		return err
	}
	if !ok || before.RepoOwner == "" || before.RepoName == "" {
		return nil
	}
	return r.remote.DeleteRepo(ctx, before.RepoOwner, before.RepoName)
}

// requeueFailedMembers puts member events that gave up while the repository
// was missing back to pending. They share the project's key, so the drain
// that created the repository delivers them next.
func requeueFailedMembers(tx *gorm.DB, projectID uint) (int64, error) {
	res := tx.Model(&models.OutboxEvent{}).
		Where("event_key = ? AND entity_type = ? AND status = ?",
			models.EventKey(models.EntityProject, projectID), models.EntityProjectMember, models.OutboxFailed).
		Updates(map[string]interface{}{
			"status":     models.OutboxPending,
			"attempts":   0,
			"last_error": "",
		})
	return res.RowsAffected, res.Error
}
