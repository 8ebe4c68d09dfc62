package handlers

import (
	"github.com/FernandoVinha/TheManager/internal/middleware"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/pkg/response"
	"github.com/gin-gonic/gin"
)

type TaskHandler struct {
	taskService *services.TaskService
	messages    *services.MessageLog
	commits     *services.CommitSync
	access      *ProjectAccess
}

func NewTaskHandler(tasks *services.TaskService, messages *services.MessageLog, commits *services.CommitSync, access *ProjectAccess) *TaskHandler {
	return &TaskHandler{taskService: tasks, messages: messages, commits: commits, access: access}
}

// load reads the :id task and checks the caller's role on its project.
func (h *TaskHandler) load(c *gin.Context, roles []models.MemberRole) (*models.Task, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}
	task, err := h.taskService.GetByID(id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !h.access.require(c, task.ProjectID, roles) {
		return nil, false
	}
	return task, true
}

// List returns a project's tasks
// GET /api/projects/:id/tasks
func (h *TaskHandler) List(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok || !h.access.require(c, projectID, anyMember) {
		return
	}
	var req services.TaskListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	resp, err := h.taskService.List(projectID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, resp)
}

// Create adds a task to a project
// POST /api/projects/:id/tasks
func (h *TaskHandler) Create(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok || !h.access.require(c, projectID, anyMember) {
		return
	}
	var req services.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	task, err := h.taskService.Create(c.Request.Context(), projectID, &req, middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, task)
}

// GET /api/tasks/:id
func (h *TaskHandler) GetByID(c *gin.Context) {
	task, ok := h.load(c, anyMember)
	if !ok {
		return
	}
	response.Success(c, task)
}

// PUT /api/tasks/:id
func (h *TaskHandler) Update(c *gin.Context) {
	task, ok := h.load(c, contributors)
	if !ok {
		return
	}
	var req services.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	updated, err := h.taskService.Update(c.Request.Context(), task.ID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, updated)
}

// ChangeStatus moves a task on the board. Moving it to verified starts the
// merge automation.
// PUT /api/tasks/:id/status
func (h *TaskHandler) ChangeStatus(c *gin.Context) {
	task, ok := h.load(c, contributors)
	if !ok {
		return
	}
	var req services.ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	status, err := models.ParseTaskStatus(req.Status)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	updated, err := h.taskService.ChangeStatus(c.Request.Context(), task.ID, status)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, updated)
}

// DELETE /api/tasks/:id
func (h *TaskHandler) Delete(c *gin.Context) {
	task, ok := h.load(c, managers)
	if !ok {
		return
	}
	if err := h.taskService.Delete(c.Request.Context(), task.ID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "task deleted"})
}

// ProvisionFork forks the project repository for the assignee
// POST /api/tasks/:id/fork
func (h *TaskHandler) ProvisionFork(c *gin.Context) {
	task, ok := h.load(c, contributors)
	if !ok {
		return
	}
	updated, err := h.taskService.ProvisionFork(c.Request.Context(), task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, updated)
}

// Messages returns the task's audit log, oldest first
// GET /api/tasks/:id/messages
func (h *TaskHandler) Messages(c *gin.Context) {
	task, ok := h.load(c, anyMember)
	if !ok {
		return
	}
	msgs, err := h.messages.List(c.Request.Context(), task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, msgs)
}

// AddComment appends a user message to the audit log
// POST /api/tasks/:id/messages
func (h *TaskHandler) AddComment(c *gin.Context) {
	task, ok := h.load(c, anyMember)
	if !ok {
		return
	}
	var req services.AddCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.taskService.AddComment(c.Request.Context(), task.ID, middleware.GetUserID(c), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, msg)
}

// GET /api/tasks/:id/commits
func (h *TaskHandler) Commits(c *gin.Context) {
	task, ok := h.load(c, anyMember)
	if !ok {
		return
	}
	commits, err := h.commits.List(c.Request.Context(), task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, commits)
}

// SyncCommits imports new commits from the task's branch
// POST /api/tasks/:id/commits/sync
func (h *TaskHandler) SyncCommits(c *gin.Context) {
	task, ok := h.load(c, contributors)
	if !ok {
		return
	}
	res, err := h.commits.SyncTask(c.Request.Context(), task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, res)
}
