package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/FernandoVinha/TheManager/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProjectMemberService manages memberships and keeps at least one owner per
// project.
type ProjectMemberService struct {
	db     *gorm.DB
	outbox *Outbox
}

func NewProjectMemberService(db *gorm.DB, outbox *Outbox) *ProjectMemberService {
	return &ProjectMemberService{db: db, outbox: outbox}
}

type AddMemberRequest struct {
	UserID uint   `json:"user_id" binding:"required"`
	Role   string `json:"role"`
}

type UpdateMemberRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (s *ProjectMemberService) List(projectID uint) ([]models.ProjectMember, error) {
	var members []models.ProjectMember
	err := s.db.Preload("User").
		Where("project_id = ?", projectID).
		Order("id ASC").
		Find(&members).Error
	return members, err
}

func (s *ProjectMemberService) Add(ctx context.Context, projectID uint, req *AddMemberRequest) (*models.ProjectMember, error) {
	role := models.MemberRoleDeveloper
	if req.Role != "" {
		r, err := models.ParseMemberRole(req.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		role = r
	}

	member := models.ProjectMember{ProjectID: projectID, UserID: req.UserID, Role: role, SyncState: models.SyncPending}
	key := models.EventKey(models.EntityProject, projectID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.First(&project, projectID).Error; err != nil {
			return notFound(err, "project", projectID)
		}
		var user models.User
		if err := tx.First(&user, req.UserID).Error; err != nil {
			return notFound(err, "user", req.UserID)
		}

		var existing int64
		if err := tx.Model(&models.ProjectMember{}).
			Where("project_id = ? AND user_id = ?", projectID, req.UserID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyMember
		}

		if err := tx.Create(&member).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityProjectMember, member.ID, key, models.OpCreate, nil, snapshotMember(&member, user.Username))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify(key)
	return &member, nil
}

func (s *ProjectMemberService) UpdateRole(ctx context.Context, projectID, userID uint, roleName string) (*models.ProjectMember, error) {
	role, err := models.ParseMemberRole(roleName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var member models.ProjectMember
	key := models.EventKey(models.EntityProject, projectID)
	changed := false

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, projectID, userID, &member); err != nil {
			return err
		}
		if member.Role == role {
			return nil
		}
		if member.Role == models.MemberRoleOwner {
			if err := ensureAnotherOwner(tx, projectID); err != nil {
				return err
			}
		}

		username := usernameOf(tx, userID)
		before := snapshotMember(&member, username)
		member.Role = role
		member.SyncState = models.SyncPending
		if err := tx.Model(&member).Updates(map[string]interface{}{
			"role":       role,
			"sync_state": models.SyncPending,
		}).Error; err != nil {
			return err
		}
		changed = true
		_, err := s.outbox.Record(tx, models.EntityProjectMember, member.ID, key, models.OpUpdate, before, snapshotMember(&member, username))
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.outbox.Notify(key)
	}
	return &member, nil
}

func (s *ProjectMemberService) Remove(ctx context.Context, projectID, userID uint) error {
	key := models.EventKey(models.EntityProject, projectID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member models.ProjectMember
		if err := s.load(tx, projectID, userID, &member); err != nil {
			return err
		}
		if member.Role == models.MemberRoleOwner {
			if err := ensureAnotherOwner(tx, projectID); err != nil {
				return err
			}
		}
		if err := tx.Delete(&member).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityProjectMember, member.ID, key, models.OpDelete, snapshotMember(&member, usernameOf(tx, userID)), nil)
		return err
	})
	if err != nil {
		return err
	}
	s.outbox.Notify(key)
	return nil
}

func (s *ProjectMemberService) load(tx *gorm.DB, projectID, userID uint, member *models.ProjectMember) error {
	err := lockForUpdate(tx).Where("project_id = ? AND user_id = ?", projectID, userID).First(member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("membership of user %d in project %d: %w", userID, projectID, ErrNotFound)
	}
	return err
}

// ensureAnotherOwner fails with ErrLastOwner when the project has a single
// owner left.
func ensureAnotherOwner(tx *gorm.DB, projectID uint) error {
	owners, err := countOwners(tx, projectID)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

func countOwners(tx *gorm.DB, projectID uint) (int64, error) {
	var ids []uint
	if err := lockForUpdate(tx).Model(&models.ProjectMember{}).
		Where("project_id = ? AND role = ?", projectID, models.MemberRoleOwner).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// lockForUpdate adds FOR UPDATE where the dialect supports it. SQLite
// serialises writers on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func usernameOf(tx *gorm.DB, userID uint) string {
	var user models.User
	if err := tx.Select("id", "username").First(&user, userID).Error; err != nil {
		return ""
	}
	return user.Username
}
