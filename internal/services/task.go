package services

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"gorm.io/gorm"
)

// TaskService owns tasks. Status changes are events: moving a task to
// verified is what starts the merge automation.
type TaskService struct {
	db       *gorm.DB
	outbox   *Outbox
	remote   RemoteClient
	messages *MessageLog
	hub      *SSEHub
}

func NewTaskService(db *gorm.DB, outbox *Outbox, remote RemoteClient, messages *MessageLog, hub *SSEHub) *TaskService {
	return &TaskService{db: db, outbox: outbox, remote: remote, messages: messages, hub: hub}
}

type TaskListRequest struct {
	Page       int    `form:"page" binding:"omitempty,min=1"`
	PageSize   int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Status     string `form:"status"`
	AssigneeID uint   `form:"assignee_id"`
	Search     string `form:"search"`
}

type TaskListResponse struct {
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Items    []models.Task `json:"items"`
}

type CreateTaskRequest struct {
	Title       string `json:"title" binding:"required,max=300"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	AssigneeID  *uint  `json:"assignee_id"`
}

type UpdateTaskRequest struct {
	Title       string  `json:"title" binding:"omitempty,max=300"`
	Description *string `json:"description"`
	Priority    string  `json:"priority"`
	AssigneeID  *uint   `json:"assignee_id"`
	ForkOwner   *string `json:"fork_owner"`
	ForkName    *string `json:"fork_name"`
	// ForkURL sets owner and name from a repository URL.
	ForkURL *string `json:"fork_url"`
}

type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type AddCommentRequest struct {
	Text string `json:"text" binding:"required,max=10000"`
}

func (s *TaskService) List(projectID uint, req *TaskListRequest) (*TaskListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 50
	}

	query := s.db.Model(&models.Task{}).Where("project_id = ?", projectID)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.AssigneeID != 0 {
		query = query.Where("assignee_id = ?", req.AssigneeID)
	}
	if req.Search != "" {
		query = query.Where("title LIKE ?", "%"+req.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var tasks []models.Task
	offset := (req.Page - 1) * req.PageSize
	if err := query.Preload("Assignee").Offset(offset).Limit(req.PageSize).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return &TaskListResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: tasks}, nil
}

func (s *TaskService) GetByID(id uint) (*models.Task, error) {
	var task models.Task
	if err := s.db.Preload("Assignee").First(&task, id).Error; err != nil {
		return nil, notFound(err, "task", id)
	}
	return &task, nil
}

func (s *TaskService) Create(ctx context.Context, projectID uint, req *CreateTaskRequest, reporterID uint) (*models.Task, error) {
	priority, err := models.ParseTaskPriority(req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	task := models.Task{
		ProjectID:   projectID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      models.TaskTodo,
		Priority:    priority,
		AssigneeID:  req.AssigneeID,
	}
	if reporterID != 0 {
		task.ReporterID = &reporterID
	}

	var key string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.First(&project, projectID).Error; err != nil {
			return notFound(err, "project", projectID)
		}
		if err := checkAssignee(tx, projectID, req.AssigneeID); err != nil {
			return err
		}
		next, err := nextTaskKey(tx, projectID)
		if err != nil {
			return err
		}
		task.Key = next

		if err := tx.Create(&task).Error; err != nil {
			return err
		}
		key = models.EventKey(models.EntityTask, task.ID)
		_, err = s.outbox.Record(tx, models.EntityTask, task.ID, key, models.OpCreate, nil, snapshotTask(&task))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify(key)
	return &task, nil
}

func (s *TaskService) Update(ctx context.Context, id uint, req *UpdateTaskRequest) (*models.Task, error) {
	var task models.Task
	key := models.EventKey(models.EntityTask, id)
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, id).Error; err != nil {
			return notFound(err, "task", id)
		}
		before := snapshotTask(&task)

		if req.Title != "" {
			task.Title = strings.TrimSpace(req.Title)
		}
		if req.Description != nil {
			task.Description = *req.Description
		}
		if req.Priority != "" {
			p, err := models.ParseTaskPriority(req.Priority)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			task.Priority = p
		}
		if req.AssigneeID != nil {
			if *req.AssigneeID == 0 {
				task.AssigneeID = nil
			} else {
				if err := checkAssignee(tx, task.ProjectID, req.AssigneeID); err != nil {
					return err
				}
				task.AssigneeID = req.AssigneeID
			}
		}
		if req.ForkOwner != nil {
			task.ForkOwner = strings.TrimSpace(*req.ForkOwner)
		}
		if req.ForkName != nil {
			task.ForkName = strings.TrimSpace(*req.ForkName)
		}
		if req.ForkURL != nil {
			task.ForkURL = strings.TrimSpace(*req.ForkURL)
			if task.ForkURL != "" {
				ref, err := parseRepoURL(task.ForkURL)
				if err != nil {
					return err
				}
				task.ForkOwner, task.ForkName = ref.owner, ref.repo
			}
		}

		if err := tx.Save(&task).Error; err != nil {
			return err
		}
		after := snapshotTask(&task)
		if reflect.DeepEqual(before, after) {
			return nil
		}
		changed = true
		_, err := s.outbox.Record(tx, models.EntityTask, task.ID, key, models.OpUpdate, before, after)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.outbox.Notify(key)
	}
	return &task, nil
}

// ChangeStatus applies a status change requested by a person.
func (s *TaskService) ChangeStatus(ctx context.Context, id uint, status models.TaskStatus) (*models.Task, error) {
	return s.transition(ctx, id, status, models.ActorUser)
}

// ApplyAutomationStatus records the outcome of a merge run. It only applies
// while the task is still verified.
func (s *TaskService) ApplyAutomationStatus(ctx context.Context, id uint, status models.TaskStatus) (*models.Task, error) {
	return s.transition(ctx, id, status, models.ActorAutomation)
}

func (s *TaskService) transition(ctx context.Context, id uint, status models.TaskStatus, actor models.Actor) (*models.Task, error) {
	var task models.Task
	key := models.EventKey(models.EntityTask, id)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&task, id).Error; err != nil {
			return notFound(err, "task", id)
		}
		if !task.Status.CanMoveTo(status, actor) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, status)
		}
		before := snapshotTask(&task)

		task.Status = status
		task.CompletedAt = nil
		if status == models.TaskDone {
			now := time.Now()
			task.CompletedAt = &now
		}
		if err := tx.Model(&task).Updates(map[string]interface{}{
			"status":       task.Status,
			"completed_at": task.CompletedAt,
		}).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityTask, task.ID, key, models.OpUpdate, before, snapshotTask(&task))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify(key)
	if s.hub != nil {
		s.hub.Publish(TaskEvent{TaskID: task.ID, ProjectID: task.ProjectID, Type: "status", Status: task.Status})
	}
	return &task, nil
}

// Delete removes the task and its audit trail.
func (s *TaskService) Delete(ctx context.Context, id uint) error {
	key := models.EventKey(models.EntityTask, id)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, id).Error; err != nil {
			return notFound(err, "task", id)
		}
		for _, model := range []interface{}{&models.TaskMessage{}, &models.TaskCommit{}, &models.AutomationRun{}} {
			if err := tx.Where("task_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&task).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityTask, task.ID, key, models.OpDelete, snapshotTask(&task), nil)
		return err
	})
	if err != nil {
		return err
	}
	s.outbox.Notify(key)
	return nil
}

func (s *TaskService) AddComment(ctx context.Context, id, authorID uint, text string) (*models.TaskMessage, error) {
	if _, err := s.GetByID(id); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: comment is empty", ErrInvalidInput)
	}
	var author *uint
	if authorID != 0 {
		author = &authorID
	}
	return s.messages.Append(ctx, id, models.AgentUser, author, text, nil)
}

// ProvisionFork forks the project repository into the assignee's namespace
// and stores the fork on the task.
func (s *TaskService) ProvisionFork(ctx context.Context, id uint) (*models.Task, error) {
	if s.remote == nil {
		return nil, &ConfigurationError{Entity: "task", ID: id, Detail: "remote service is not configured"}
	}

	task, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	if task.AssigneeID == nil || task.Assignee == nil {
		return nil, fmt.Errorf("%w: task has no assignee to fork for", ErrInvalidInput)
	}
	var project models.Project
	if err := s.db.First(&project, task.ProjectID).Error; err != nil {
		return nil, notFound(err, "project", task.ProjectID)
	}
	if !project.RepoReady() {
		return nil, fmt.Errorf("project %d repository: %w", project.ID, ErrNotReady)
	}
	if task.Assignee.GiteaID == nil {
		return nil, fmt.Errorf("user %d remote account: %w", task.Assignee.ID, ErrNotReady)
	}
	if strings.EqualFold(task.Assignee.Username, project.RepoOwner) {
		return nil, fmt.Errorf("%w: the assignee owns the project repository", ErrInvalidInput)
	}

	fork, err := s.remote.ForkRepo(ctx, project.RepoOwner, project.RepoName, task.Assignee.Username, project.RepoName)
	if err != nil {
		if _, merr := s.messages.Append(ctx, task.ID, models.AgentRemote, nil,
			fmt.Sprintf("Fork failed: %v", err), remotePayload(err)); merr != nil {
			return nil, merr
		}
		return nil, err
	}

	owner := fork.Owner.Login
	if owner == "" {
		owner = task.Assignee.Username
	}
	url := fork.HTMLURL
	updated, err := s.setFork(ctx, task.ID, owner, fork.Name, url)
	if err != nil {
		return nil, err
	}
	if _, err := s.messages.Append(ctx, task.ID, models.AgentRemote, nil,
		fmt.Sprintf("Fork ready: %s/%s", owner, fork.Name), map[string]interface{}{"fork": fork}); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *TaskService) setFork(ctx context.Context, id uint, owner, name, url string) (*models.Task, error) {
	var task models.Task
	key := models.EventKey(models.EntityTask, id)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, id).Error; err != nil {
			return notFound(err, "task", id)
		}
		before := snapshotTask(&task)
		task.ForkOwner, task.ForkName, task.ForkURL = owner, name, url
		if err := tx.Model(&task).Updates(map[string]interface{}{
			"fork_owner": owner,
			"fork_name":  name,
			"fork_url":   url,
		}).Error; err != nil {
			return err
		}
		_, err := s.outbox.Record(tx, models.EntityTask, task.ID, key, models.OpUpdate, before, snapshotTask(&task))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify(key)
	return &task, nil
}

func checkAssignee(tx *gorm.DB, projectID uint, assigneeID *uint) error {
	if assigneeID == nil || *assigneeID == 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&models.ProjectMember{}).
		Where("project_id = ? AND user_id = ?", projectID, *assigneeID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: assignee must be a project member", ErrInvalidInput)
	}
	return nil
}

// nextTaskKey returns the next sequential key within a project.
func nextTaskKey(tx *gorm.DB, projectID uint) (string, error) {
	var keys []string
	if err := tx.Model(&models.Task{}).Where("project_id = ?", projectID).Pluck("task_key", &keys).Error; err != nil {
		return "", err
	}
	max := 0
	for _, k := range keys {
		if n, err := strconv.Atoi(k); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1), nil
}
