package handlers

import (
	"github.com/FernandoVinha/TheManager/internal/middleware"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/pkg/response"
	"github.com/gin-gonic/gin"
)

type ProjectHandler struct {
	projectService *services.ProjectService
	access         *ProjectAccess
}

func NewProjectHandler(projects *services.ProjectService, access *ProjectAccess) *ProjectHandler {
	return &ProjectHandler{projectService: projects, access: access}
}

// List returns paginated projects; people below manager only see their own.
// GET /api/projects
func (h *ProjectHandler) List(c *gin.Context) {
	var req services.ProjectListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !h.access.privileged(c) {
		req.MemberID = middleware.GetUserID(c)
	}

	resp, err := h.projectService.List(&req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, resp)
}

// GetByID returns a project with its repository sync state
// GET /api/projects/:id
func (h *ProjectHandler) GetByID(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok || !h.access.require(c, id, anyMember) {
		return
	}
	project, err := h.projectService.GetByID(id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, project)
}

// Create stores the project and queues repository creation
// POST /api/projects
func (h *ProjectHandler) Create(c *gin.Context) {
	var req services.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	project, err := h.projectService.Create(c.Request.Context(), &req, middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, project)
}

// Update changes project settings
// PUT /api/projects/:id
func (h *ProjectHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok || !h.access.require(c, id, managers) {
		return
	}
	var req services.UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	project, err := h.projectService.Update(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, project)
}

// Delete removes the project with its tasks and memberships
// DELETE /api/projects/:id
func (h *ProjectHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok || !h.access.require(c, id, ownersOnly) {
		return
	}
	if err := h.projectService.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "project deleted"})
}
