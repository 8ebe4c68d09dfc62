package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/utils"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user is disabled")
)

// UserService owns local accounts. Every committed change is mirrored to the
// remote service through the outbox.
type UserService struct {
	db            *gorm.DB
	outbox        *Outbox
	syncPasswords bool
}

func NewUserService(db *gorm.DB, outbox *Outbox, syncPasswords bool) *UserService {
	return &UserService{db: db, outbox: outbox, syncPasswords: syncPasswords}
}

type UserListRequest struct {
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Search   string `form:"search"`
	Role     string `form:"role"`
}

type UserListResponse struct {
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Items    []models.User `json:"items"`
}

type CreateUserRequest struct {
	Username  string `json:"username" binding:"required,min=2,max=100"`
	Email     string `json:"email" binding:"required,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password" binding:"required,min=6"`
	Role      string `json:"role"`
}

type UpdateUserRequest struct {
	Username  string  `json:"username" binding:"omitempty,min=2,max=100"`
	Email     string  `json:"email" binding:"omitempty,email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Role      string  `json:"role"`
	IsActive  *bool   `json:"is_active"`
}

func (s *UserService) List(req *UserListRequest) (*UserListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	query := s.db.Model(&models.User{})
	if req.Search != "" {
		like := "%" + req.Search + "%"
		query = query.Where("username LIKE ? OR email LIKE ? OR first_name LIKE ? OR last_name LIKE ?", like, like, like, like)
	}
	if req.Role != "" {
		query = query.Where("role = ?", req.Role)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var users []models.User
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("username ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return &UserListResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: users}, nil
}

func (s *UserService) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		return nil, notFound(err, "user", id)
	}
	return &user, nil
}

func (s *UserService) Create(ctx context.Context, req *CreateUserRequest) (*models.User, error) {
	role := models.UserRoleRegular
	if req.Role != "" {
		r, err := models.ParseUserRole(req.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		role = r
	}

	hashed, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Username:  strings.TrimSpace(req.Username),
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  hashed,
		Role:      role,
		IsActive:  true,
		SyncState: models.SyncPending,
	}

	key := ""
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureUnique(tx, 0, user.Username, user.Email); err != nil {
			return err
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		key = models.EventKey(models.EntityUser, user.ID)
		_, err := s.outbox.RecordSealed(tx, models.EntityUser, user.ID, key, models.OpCreate, nil, snapshotUser(&user), s.sealedPassword(req.Password))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify(key)
	return &user, nil
}

func (s *UserService) Update(ctx context.Context, id uint, req *UpdateUserRequest) (*models.User, error) {
	var user models.User
	key := models.EventKey(models.EntityUser, id)
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, id).Error; err != nil {
			return notFound(err, "user", id)
		}
		before := snapshotUser(&user)

		if req.Username != "" {
			user.Username = strings.TrimSpace(req.Username)
		}
		if req.Email != "" {
			user.Email = strings.ToLower(strings.TrimSpace(req.Email))
		}
		if req.FirstName != nil {
			user.FirstName = *req.FirstName
		}
		if req.LastName != nil {
			user.LastName = *req.LastName
		}
		if req.Role != "" {
			r, err := models.ParseUserRole(req.Role)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			user.Role = r
		}
		if req.IsActive != nil {
			user.IsActive = *req.IsActive
		}

		after := snapshotUser(&user)
		if reflect.DeepEqual(before, after) {
			return nil
		}
		if err := s.ensureUnique(tx, user.ID, user.Username, user.Email); err != nil {
			return err
		}
		user.SyncState = models.SyncPending
		if err := tx.Save(&user).Error; err != nil {
			return err
		}
		changed = true
		_, err := s.outbox.Record(tx, models.EntityUser, user.ID, key, models.OpUpdate, before, after)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.outbox.Notify(key)
	}
	return &user, nil
}

// SetPassword replaces the local password and, when password sync is on,
// queues the new password for the remote account.
func (s *UserService) SetPassword(ctx context.Context, id uint, password string) error {
	if len(password) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	}
	hashed, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	key := models.EventKey(models.EntityUser, id)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, id).Error; err != nil {
			return notFound(err, "user", id)
		}
		if err := tx.Model(&user).Update("password", hashed).Error; err != nil {
			return err
		}
		sealed := s.sealedPassword(password)
		if sealed == "" {
			return nil
		}
		snap := snapshotUser(&user)
		_, err := s.outbox.RecordSealed(tx, models.EntityUser, user.ID, key, models.OpUpdate, snap, snap, sealed)
		return err
	})
	if err != nil {
		return err
	}
	if s.syncPasswords {
		s.outbox.Notify(key)
	}
	return nil
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=6"`
}

func (s *UserService) ChangePassword(ctx context.Context, userID uint, req *ChangePasswordRequest) error {
	user, err := s.GetByID(userID)
	if err != nil {
		return err
	}
	if !utils.CheckPassword(req.OldPassword, user.Password) {
		return fmt.Errorf("%w: incorrect old password", ErrInvalidInput)
	}
	return s.SetPassword(ctx, userID, req.NewPassword)
}

// Delete removes the account and its memberships. A user who is the only
// owner of a project cannot be deleted.
func (s *UserService) Delete(ctx context.Context, id uint) error {
	keys := []string{models.EventKey(models.EntityUser, id)}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, id).Error; err != nil {
			return notFound(err, "user", id)
		}

		var memberships []models.ProjectMember
		if err := lockForUpdate(tx).Where("user_id = ?", id).Find(&memberships).Error; err != nil {
			return err
		}
		for i := range memberships {
			m := &memberships[i]
			if m.Role == models.MemberRoleOwner {
				owners, err := countOwners(tx, m.ProjectID)
				if err != nil {
					return err
				}
				if owners <= 1 {
					return fmt.Errorf("%w: user %s is the only owner of project %d", ErrLastOwner, user.Username, m.ProjectID)
				}
			}
			if err := tx.Delete(m).Error; err != nil {
				return err
			}
			projectKey := models.EventKey(models.EntityProject, m.ProjectID)
			if _, err := s.outbox.Record(tx, models.EntityProjectMember, m.ID, projectKey, models.OpDelete, snapshotMember(m, user.Username), nil); err != nil {
				return err
			}
			keys = append(keys, projectKey)
		}

		if err := tx.Model(&models.Task{}).Where("assignee_id = ?", id).Update("assignee_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Delete(&user).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityUser, user.ID, keys[0], models.OpDelete, snapshotUser(&user), nil)
		return err
	})
	if err != nil {
		return err
	}
	s.outbox.Notify(keys...)
	return nil
}

// EnsureAdmin creates the configured administrator on first start.
func (s *UserService) EnsureAdmin(ctx context.Context, cfg config.AdminConfig) error {
	var count int64
	if err := s.db.Model(&models.User{}).Where("role = ?", models.UserRoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := s.Create(ctx, &CreateUserRequest{
		Username:  cfg.Username,
		Email:     cfg.Email,
		FirstName: "Administrator",
		Password:  cfg.Password,
		Role:      string(models.UserRoleAdmin),
	})
	return err
}

// Authenticate checks local credentials and stamps the login time.
func (s *UserService) Authenticate(username, password string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	if !utils.CheckPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	user.LastLogin = &now
	s.db.Model(&user).UpdateColumn("last_login", &now)
	return &user, nil
}

func (s *UserService) sealedPassword(password string) string {
	if !s.syncPasswords {
		return ""
	}
	return password
}

func (s *UserService) ensureUnique(tx *gorm.DB, id uint, username, email string) error {
	var count int64
	if err := tx.Model(&models.User{}).
		Where("id <> ? AND (username = ? OR email = ?)", id, username, email).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: username or email already in use", ErrInvalidInput)
	}
	return nil
}

// notFound maps a missing row to ErrNotFound and passes other errors through.
func notFound(err error, entity string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	}
	return err
}
