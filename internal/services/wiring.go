package services

import (
	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
	"gorm.io/gorm"
)

// RegisterReconcilers binds the per-entity handlers to e. Both the server
// and the operator CLI drain through the same set.
func RegisterReconcilers(e *Engine, db *gorm.DB, remote RemoteClient, outbox *Outbox, tasks *TaskService, messages *MessageLog, cfg *config.GiteaConfig) error {
	method, err := gitea.ParseMergeMethod(cfg.MergeMethod)
	if err != nil {
		return err
	}
	e.Register(models.EntityUser, NewUserReconciler(db, remote, outbox, cfg.SyncPasswords))
	e.Register(models.EntityProject, NewProjectReconciler(db, remote, cfg.DefaultBranch, cfg.DeleteRepoOnProjectDelete))
	e.Register(models.EntityProjectMember, NewMemberReconciler(db, remote))
	e.Register(models.EntityTask, NewAutomation(db, remote, tasks, messages, AutomationOptions{
		MergeMethod:            method,
		DeleteBranchAfterMerge: cfg.DeleteBranchAfterMerge,
		DefaultBranch:          cfg.DefaultBranch,
	}))
	return nil
}

// NewRemoteClient builds the Git-hosting client, or returns nil when the
// remote service is disabled.
func NewRemoteClient(cfg *config.GiteaConfig) RemoteClient {
	if !cfg.Enabled {
		return nil
	}
	return gitea.NewClient(gitea.Config{
		BaseURL:           cfg.BaseURL,
		Token:             cfg.AdminToken,
		Timeout:           cfg.Timeout,
		HeavyTimeout:      cfg.HeavyTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Retry: gitea.RetryPolicy{
			MaxAttempts:     cfg.MaxAttempts,
			InitialInterval: cfg.InitialBackoff,
		},
	})
}
