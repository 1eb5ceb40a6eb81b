package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"trialpay/internal/authz"
	"trialpay/internal/dto"
	"trialpay/internal/service"
	"trialpay/pkg/response"
)

// UserHandler 用户与权限管理 HTTP 处理器
type UserHandler struct {
	userSvc service.UserService
}

// NewUserHandler 创建 UserHandler
func NewUserHandler(userSvc service.UserService) *UserHandler {
	return &UserHandler{userSvc: userSvc}
}

// CreateUser 创建用户（返回一次性临时密码）
// POST /api/v1/users
func (h *UserHandler) CreateUser(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.CreateUserRequest
	if !bindJSON(c, &req, 10001) {
		return
	}

	result, err := h.userSvc.CreateUser(c.Request.Context(), &req, callerID)
	if err != nil {
		handleUserError(c, err)
		return
	}
	response.Created(c, result)
}

// ListUsers 用户列表
// GET /api/v1/users
func (h *UserHandler) ListUsers(c *gin.Context) {
	var req dto.UserListRequest
	if !bindQuery(c, &req, 10001) {
		return
	}

	users, total, err := h.userSvc.List(c.Request.Context(), &req)
	if err != nil {
		handleUserError(c, err)
		return
	}
	response.OKPage(c, users, total, req.GetPage(), req.GetPageSize())
}

// GetUser 用户详情
// GET /api/v1/users/:id
func (h *UserHandler) GetUser(c *gin.Context) {
	user, err := h.userSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleUserError(c, err)
		return
	}
	response.OK(c, user)
}

// UpdateUser 更新用户
// PUT /api/v1/users/:id
func (h *UserHandler) UpdateUser(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.UpdateUserRequest
	if !bindJSON(c, &req, 10001) {
		return
	}

	user, err := h.userSvc.Update(c.Request.Context(), c.Param("id"), &req, callerID)
	if err != nil {
		handleUserError(c, err)
		return
	}
	response.OK(c, user)
}

// DeleteUser 删除用户
// DELETE /api/v1/users/:id
func (h *UserHandler) DeleteUser(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	if err := h.userSvc.Delete(c.Request.Context(), c.Param("id"), callerID); err != nil {
		handleUserError(c, err)
		return
	}
	response.OK(c, nil)
}

// ResetPassword 重置密码
// POST /api/v1/users/:id/reset-password
func (h *UserHandler) ResetPassword(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	result, err := h.userSvc.ResetPassword(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		handleUserError(c, err)
		return
	}
	response.OK(c, result)
}

// GetPermissions 查询用户能力
// GET /api/v1/users/:id/permissions
func (h *UserHandler) GetPermissions(c *gin.Context) {
	caps, err := h.userSvc.GetPermissions(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleUserError(c, err)
		return
	}
	response.OK(c, gin.H{"capabilities": caps})
}

// SetPermissions 整体替换用户能力
// PUT /api/v1/users/:id/permissions
func (h *UserHandler) SetPermissions(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.SetPermissionsRequest
	if !bindJSON(c, &req, 10001) {
		return
	}

	caps, err := h.userSvc.SetPermissions(c.Request.Context(), c.Param("id"), req.Capabilities, callerID)
	if err != nil {
		handleUserError(c, err)
		return
	}
	response.OK(c, gin.H{"capabilities": caps})
}

// ListCapabilities 列出全部可授予的能力
// GET /api/v1/capabilities
func (h *UserHandler) ListCapabilities(c *gin.Context) {
	response.OK(c, gin.H{"capabilities": authz.Strings(authz.All())})
}

func handleUserError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUserNotFound):
		response.NotFound(c, 12001, "用户不存在")
	case errors.Is(err, service.ErrEmailExists):
		response.Conflict(c, 12002, "邮箱已被使用")
	case errors.Is(err, service.ErrUserSelfRoleChange):
		response.BadRequest(c, 12003, "不能修改自己的角色")
	case errors.Is(err, service.ErrUserSelfDeactivate):
		response.BadRequest(c, 12004, "不能停用自己")
	case errors.Is(err, service.ErrUserSelfDelete):
		response.BadRequest(c, 12005, "不能删除自己")
	case errors.Is(err, authz.ErrUnknownCapability):
		response.BadRequest(c, 12006, err.Error())
	default:
		handleCommonError(c, err)
	}
}
