package handlers

import (
	"github.com/FernandoVinha/TheManager/internal/middleware"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/pkg/response"
	"github.com/gin-gonic/gin"
)

var (
	anyMember    []models.MemberRole
	contributors = []models.MemberRole{models.MemberRoleOwner, models.MemberRoleMaintainer, models.MemberRoleDeveloper}
	managers     = []models.MemberRole{models.MemberRoleOwner, models.MemberRoleMaintainer}
	ownersOnly   = []models.MemberRole{models.MemberRoleOwner}
)

// ProjectAccess decides who may act on a project. Managers and admins act
// on every project; everyone else needs a membership with a fitting role.
type ProjectAccess struct {
	projects *services.ProjectService
}

func NewProjectAccess(projects *services.ProjectService) *ProjectAccess {
	return &ProjectAccess{projects: projects}
}

func (a *ProjectAccess) privileged(c *gin.Context) bool {
	role, err := models.ParseUserRole(middleware.GetRole(c))
	return err == nil && role.Rank() >= models.UserRoleManager.Rank()
}

// require replies 403 and returns false unless the caller holds one of
// roles on projectID. No roles means any membership will do.
func (a *ProjectAccess) require(c *gin.Context, projectID uint, roles []models.MemberRole) bool {
	if a.privileged(c) {
		return true
	}
	role, ok := a.projects.IsMember(projectID, middleware.GetUserID(c))
	if ok && len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if ok && role == r {
			return true
		}
	}
	response.Forbidden(c, "insufficient project permissions")
	return false
}
