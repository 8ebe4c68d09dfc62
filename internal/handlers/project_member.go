package handlers

import (
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/pkg/response"
	"github.com/gin-gonic/gin"
)

// ProjectMemberHandler manages memberships. Collaborator access on the
// repository follows each change through the outbox.
type ProjectMemberHandler struct {
	memberService *services.ProjectMemberService
	access        *ProjectAccess
}

func NewProjectMemberHandler(members *services.ProjectMemberService, access *ProjectAccess) *ProjectMemberHandler {
	return &ProjectMemberHandler{memberService: members, access: access}
}

// List returns all members of a project.
// GET /api/projects/:id/members
func (h *ProjectMemberHandler) List(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok || !h.access.require(c, projectID, anyMember) {
		return
	}
	members, err := h.memberService.List(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, members)
}

// Add adds a user to a project.
// POST /api/projects/:id/members
func (h *ProjectMemberHandler) Add(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok || !h.access.require(c, projectID, managers) {
		return
	}
	var req services.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	member, err := h.memberService.Add(c.Request.Context(), projectID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, member)
}

// UpdateRole changes a member's role.
// PUT /api/projects/:id/members/:user_id
func (h *ProjectMemberHandler) UpdateRole(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "user_id")
	if !ok || !h.access.require(c, projectID, managers) {
		return
	}
	var req services.UpdateMemberRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	member, err := h.memberService.UpdateRole(c.Request.Context(), projectID, userID, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, member)
}

// Remove removes a user from a project.
// DELETE /api/projects/:id/members/:user_id
func (h *ProjectMemberHandler) Remove(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "user_id")
	if !ok || !h.access.require(c, projectID, managers) {
		return
	}
	if err := h.memberService.Remove(c.Request.Context(), projectID, userID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "member removed"})
}
