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

// UserReconciler mirrors local accounts to remote accounts.
type UserReconciler struct {
	db            *gorm.DB
	remote        RemoteClient
	outbox        *Outbox
	syncPasswords bool
}

func NewUserReconciler(db *gorm.DB, remote RemoteClient, outbox *Outbox, syncPasswords bool) *UserReconciler {
	return &UserReconciler{db: db, remote: remote, outbox: outbox, syncPasswords: syncPasswords}
}

func (r *UserReconciler) Handle(ctx context.Context, ev *models.OutboxEvent) error {
	switch ev.Op {
	case models.OpCreate, models.OpUpdate:
		return r.apply(ctx, ev)
	case models.OpDelete:
		return r.remove(ctx, ev)
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidInput, ev.Op)
}

func (r *UserReconciler) apply(ctx context.Context, ev *models.OutboxEvent) error {
	var u models.User
	if err := r.db.First(&u, ev.EntityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted since; its delete event follows on the same key.
			return nil
		}
		return err
	}

	password, err := r.password(ev)
	if err != nil {
		return err
	}

	if u.GiteaID == nil {
		return r.create(ctx, &u, password)
	}

	var before UserSnapshot
	hasBefore, err := decodeSnapshot(ev.Before, &before)
	if err != nil {
		return err
	}
	if hasBefore && before.Username != "" && before.Username != u.Username {
		if err := r.remote.RenameUser(ctx, before.Username, u.Username); err != nil {
			return err
		}
	}

	remoteUser, err := r.remote.UpdateUser(ctx, u.Username, editOptionFor(&u, password))
	if errors.Is(err, gitea.ErrNotFound) {
		// Removed on the remote side behind our back.
		return r.create(ctx, &u, password)
	}
	if err != nil {
		return err
	}
	return r.persist(&u, remoteUser, password != "")
}

func (r *UserReconciler) create(ctx context.Context, u *models.User, password string) error {
	synced := password != ""
	if !synced {
		var err error
		if password, err = randomPassword(24); err != nil {
			return err
		}
	}

	remoteUser, err := r.remote.CreateUser(ctx, gitea.CreateUserOption{
		Username:           u.Username,
		Email:              u.Email,
		FullName:           u.FullName(),
		Password:           password,
		MustChangePassword: false,
		SendNotify:         false,
	})
	if err != nil {
		return err
	}

	// Creation cannot set these flags.
	if u.Role == models.UserRoleAdmin || !u.IsActive {
		opt := editOptionFor(u, "")
		if remoteUser, err = r.remote.UpdateUser(ctx, u.Username, opt); err != nil {
			return err
		}
	}
	return r.persist(u, remoteUser, synced)
}

func (r *UserReconciler) persist(u *models.User, remoteUser *gitea.User, passwordSynced bool) error {
	now := time.Now()
	cols := map[string]interface{}{
		"sync_state": models.SyncSynced,
		"sync_error": "",
		"synced_at":  &now,
	}
	if remoteUser != nil {
		cols["gitea_id"] = remoteUser.ID
		cols["gitea_url"] = remoteUser.HTMLURL
		cols["gitea_avatar_url"] = remoteUser.AvatarURL
	}
	if passwordSynced {
		cols["password_synced_at"] = &now
	}
	return r.db.Model(&models.User{}).Where("id = ?", u.ID).UpdateColumns(cols).Error
}

func (r *UserReconciler) remove(ctx context.Context, ev *models.OutboxEvent) error {
	var before UserSnapshot
	ok, err := decodeSnapshot(ev.Before, &before)
	if err != nil {
		return err
	}
	if !ok || before.Username == "" {
		return nil
	}
	return r.remote.DeleteUser(ctx, before.Username, false)
}

func (r *UserReconciler) password(ev *models.OutboxEvent) (string, error) {
	if !r.syncPasswords || ev.Sealed == "" {
		return "", nil
	}
	pw, err := r.outbox.Unseal(ev)
	if err != nil {
		return "", configErr("user", ev.EntityID, "cannot unseal password: %v", err)
	}
	return pw, nil
}

func editOptionFor(u *models.User, password string) gitea.EditUserOption {
	email := u.Email
	fullName := u.FullName()
	active := u.IsActive
	admin := u.Role == models.UserRoleAdmin
	return gitea.EditUserOption{
		LoginName: u.Username,
		Email:     &email,
		FullName:  &fullName,
		Password:  password,
		Active:    &active,
		Admin:     &admin,
	}
}
