package services

import (
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
)

// PermissionFor maps a project role to the remote collaborator permission.
//
//	owner, maintainer -> admin
//	developer         -> write
//	reporter, guest   -> read
func PermissionFor(role models.MemberRole) (gitea.Permission, error) {
	switch role {
	case models.MemberRoleOwner, models.MemberRoleMaintainer:
		return gitea.PermissionAdmin, nil
	case models.MemberRoleDeveloper:
		return gitea.PermissionWrite, nil
	case models.MemberRoleReporter, models.MemberRoleGuest:
		return gitea.PermissionRead, nil
	}
	return "", &ConfigurationError{Entity: "member role", Detail: "no remote permission for role " + string(role)}
}
