package services

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/FernandoVinha/TheManager/internal/models"
	"gorm.io/gorm"
)

var projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,19}$`)

type ProjectService struct {
	db            *gorm.DB
	outbox        *Outbox
	defaultBranch string
}

func NewProjectService(db *gorm.DB, outbox *Outbox, defaultBranch string) *ProjectService {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &ProjectService{db: db, outbox: outbox, defaultBranch: defaultBranch}
}

type ProjectListRequest struct {
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Name     string `form:"name"`
	MemberID uint   `form:"member_id"`
}

type ProjectListResponse struct {
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Items    []models.Project `json:"items"`
}

type CreateProjectRequest struct {
	Name             string `json:"name" binding:"required,max=200"`
	Key              string `json:"key" binding:"required,max=20"`
	Description      string `json:"description"`
	Methodology      string `json:"methodology"`
	Visibility       string `json:"visibility"`
	SprintLengthDays int    `json:"sprint_length_days"`
	WIPLimit         int    `json:"wip_limit"`
	RepoOwner        string `json:"repo_owner" binding:"required"`
	RepoName         string `json:"repo_name"`
	DefaultBranch    string `json:"default_branch"`
	AutoInit         *bool  `json:"auto_init"`
	// OwnerID is the first owner; defaults to the creator.
	OwnerID uint `json:"owner_id"`
}

type UpdateProjectRequest struct {
	Name             string  `json:"name" binding:"omitempty,max=200"`
	Description      *string `json:"description"`
	Methodology      string  `json:"methodology"`
	Visibility       string  `json:"visibility"`
	SprintLengthDays *int    `json:"sprint_length_days"`
	WIPLimit         *int    `json:"wip_limit"`
	RepoOwner        string  `json:"repo_owner"`
	DefaultBranch    string  `json:"default_branch"`
}

func (s *ProjectService) List(req *ProjectListRequest) (*ProjectListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 10
	}

	query := s.db.Model(&models.Project{})
	if req.Name != "" {
		query = query.Where("name LIKE ?", "%"+req.Name+"%")
	}
	if req.MemberID != 0 {
		query = query.Where("id IN (?)", s.db.Model(&models.ProjectMember{}).Select("project_id").Where("user_id = ?", req.MemberID))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var projects []models.Project
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, err
	}

	return &ProjectListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    projects,
	}, nil
}

func (s *ProjectService) GetByID(id uint) (*models.Project, error) {
	var project models.Project
	if err := s.db.Preload("Members.User").First(&project, id).Error; err != nil {
		return nil, notFound(err, "project", id)
	}
	return &project, nil
}

// Create stores the project with its first owner. Both changes reach the
// remote service in order: repository first, then the owner's access.
func (s *ProjectService) Create(ctx context.Context, req *CreateProjectRequest, creatorID uint) (*models.Project, error) {
	key := strings.ToUpper(strings.TrimSpace(req.Key))
	if !projectKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: project key must be 2-20 letters or digits starting with a letter", ErrInvalidInput)
	}
	methodology, err := models.ParseMethodology(req.Methodology)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	visibility, err := models.ParseVisibility(req.Visibility)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ownerID := req.OwnerID
	if ownerID == 0 {
		ownerID = creatorID
	}
	if ownerID == 0 {
		return nil, fmt.Errorf("%w: a project needs an owner", ErrInvalidInput)
	}

	project := models.Project{
		Name:             strings.TrimSpace(req.Name),
		Key:              key,
		Description:      req.Description,
		Methodology:      methodology,
		Visibility:       visibility,
		SprintLengthDays: req.SprintLengthDays,
		WIPLimit:         req.WIPLimit,
		RepoOwner:        strings.TrimSpace(req.RepoOwner),
		RepoName:         strings.TrimSpace(req.RepoName),
		DefaultBranch:    firstNonEmpty(strings.TrimSpace(req.DefaultBranch), s.defaultBranch),
		AutoInit:         req.AutoInit == nil || *req.AutoInit,
		SyncState:        models.SyncPending,
		CreatedBy:        creatorID,
	}
	if project.SprintLengthDays <= 0 {
		project.SprintLengthDays = 14
	}

	var eventKey string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&models.Project{}).Where("project_key = ?", key).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return fmt.Errorf("%w: project key %s already exists", ErrInvalidInput, key)
		}

		var owner models.User
		if err := tx.First(&owner, ownerID).Error; err != nil {
			return notFound(err, "user", ownerID)
		}

		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		eventKey = models.EventKey(models.EntityProject, project.ID)
		if _, err := s.outbox.Record(tx, models.EntityProject, project.ID, eventKey, models.OpCreate, nil, snapshotProject(&project)); err != nil {
			return err
		}

		member := models.ProjectMember{ProjectID: project.ID, UserID: owner.ID, Role: models.MemberRoleOwner, SyncState: models.SyncPending}
		if err := tx.Create(&member).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityProjectMember, member.ID, eventKey, models.OpCreate, nil, snapshotMember(&member, owner.Username))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify(eventKey)
	return &project, nil
}

// Update changes project settings. Board settings stay local; repository
// facing fields produce an event.
func (s *ProjectService) Update(ctx context.Context, id uint, req *UpdateProjectRequest) (*models.Project, error) {
	var project models.Project
	eventKey := models.EventKey(models.EntityProject, id)
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&project, id).Error; err != nil {
			return notFound(err, "project", id)
		}
		before := snapshotProject(&project)

		if req.Name != "" {
			project.Name = strings.TrimSpace(req.Name)
		}
		if req.Description != nil {
			project.Description = *req.Description
		}
		if req.Methodology != "" {
			m, err := models.ParseMethodology(req.Methodology)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			project.Methodology = m
		}
		if req.Visibility != "" {
			v, err := models.ParseVisibility(req.Visibility)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			project.Visibility = v
		}
		if req.SprintLengthDays != nil && *req.SprintLengthDays > 0 {
			project.SprintLengthDays = *req.SprintLengthDays
		}
		if req.WIPLimit != nil && *req.WIPLimit >= 0 {
			project.WIPLimit = *req.WIPLimit
		}
		if owner := strings.TrimSpace(req.RepoOwner); owner != "" && owner != project.RepoOwner {
			if project.RepoReady() {
				return fmt.Errorf("%w: repository owner cannot change once the repository exists", ErrInvalidInput)
			}
			project.RepoOwner = owner
		}
		if branch := strings.TrimSpace(req.DefaultBranch); branch != "" && branch != project.DefaultBranch {
			if project.RepoReady() {
				return fmt.Errorf("%w: default branch is managed by the repository once it exists", ErrInvalidInput)
			}
			project.DefaultBranch = branch
		}

		after := snapshotProject(&project)
		remoteChange := !reflect.DeepEqual(before, after)
		if remoteChange {
			project.SyncState = models.SyncPending
		}
		if err := tx.Save(&project).Error; err != nil {
			return err
		}
		if !remoteChange {
			return nil
		}
		changed = true
		_, err := s.outbox.Record(tx, models.EntityProject, project.ID, eventKey, models.OpUpdate, before, after)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.outbox.Notify(eventKey)
	}
	return &project, nil
}

// Delete removes the project with its tasks and memberships.
func (s *ProjectService) Delete(ctx context.Context, id uint) error {
	eventKey := models.EventKey(models.EntityProject, id)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.First(&project, id).Error; err != nil {
			return notFound(err, "project", id)
		}

		tasks := tx.Model(&models.Task{}).Select("id").Where("project_id = ?", id)
		for _, model := range []interface{}{&models.TaskMessage{}, &models.TaskCommit{}, &models.AutomationRun{}} {
			if err := tx.Where("task_id IN (?)", tasks).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("project_id = ?", id).Delete(&models.Task{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&models.ProjectMember{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&project).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityProject, project.ID, eventKey, models.OpDelete, snapshotProject(&project), nil)
		return err
	})
	if err != nil {
		return err
	}
	s.outbox.Notify(eventKey)
	return nil
}

// IsMember reports whether userID belongs to the project, and with which role.
func (s *ProjectService) IsMember(projectID, userID uint) (models.MemberRole, bool) {
	var member models.ProjectMember
	if err := s.db.Where("project_id = ? AND user_id = ?", projectID, userID).First(&member).Error; err != nil {
		return "", false
	}
	return member.Role, true
}
