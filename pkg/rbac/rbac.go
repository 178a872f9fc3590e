package rbac

import (
	"slices"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
)

// 权限常量
const (
	// 敏感操作权限
	PermissionReleasePayment = "payment:release"
	PermissionForceRelease   = "payment:force_release"
	PermissionForceReject    = "milestone:force_reject"
	PermissionResolveHold    = "milestone:resolve_hold"
	PermissionCreateProject  = "project:create"
	PermissionAmendProject   = "project:amend"

	// 普通操作权限
	PermissionSubmitMilestone = "milestone:submit"
	PermissionReadMilestone   = "milestone:read"
	PermissionReadAudit       = "audit:read"
)

// 角色权限映射
var rolePermissions = map[model.Role][]string{
	model.RoleEmployee: {
		PermissionSubmitMilestone,
		PermissionReadMilestone,
		PermissionReadAudit,
	},
	model.RoleCompany: {
		PermissionReadMilestone,
		PermissionReadAudit,
		PermissionCreateProject,
		PermissionAmendProject,
		PermissionForceRelease,
		PermissionForceReject,
		PermissionResolveHold,
	},
	model.RoleClient: {
		PermissionReadMilestone,
	},
	// system 只做自动流转，不能 force
	model.RoleSystem: {
		PermissionReleasePayment,
		PermissionReadMilestone,
		PermissionReadAudit,
	},
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role model.Role, permission string) bool {
	return slices.Contains(rolePermissions[role], permission)
}

// Require 检查 actor 权限，失败返回 apperr.ErrForbidden
func Require(actor model.Actor, permission string) error {
	if actor.ID == "" {
		return apperr.ErrUnauthenticated.WithMessage("missing actor")
	}
	if !HasPermission(actor.Role, permission) {
		return apperr.ErrForbidden.WithMessagef("role %q lacks %s", actor.Role, permission)
	}
	return nil
}
