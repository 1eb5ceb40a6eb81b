package dto

// ── 用户模块 DTO ──

// CreateUserRequest 管理员创建用户请求
type CreateUserRequest struct {
	Name         string   `json:"name"         binding:"required,min=2,max=100"`
	Email        string   `json:"email"        binding:"required,email"`
	Role         string   `json:"role"         binding:"required,oneof=admin operator"`
	Capabilities []string `json:"capabilities" binding:"omitempty,dive,required"`
}

// CreateUserResponse 创建用户响应（含一次性临时密码）
type CreateUserResponse struct {
	User         *UserResponse `json:"user"`
	TempPassword string        `json:"temp_password"`
}

// UserListRequest 用户列表查询参数
type UserListRequest struct {
	PaginationRequest
	Role    string `form:"role"    binding:"omitempty,oneof=admin operator"`
	Keyword string `form:"keyword" binding:"omitempty,max=50"`
}

// UpdateUserRequest 更新用户信息请求
type UpdateUserRequest struct {
	Name     *string `json:"name"      binding:"omitempty,min=2,max=100"`
	Email    *string `json:"email"     binding:"omitempty,email"`
	Role     *string `json:"role"      binding:"omitempty,oneof=admin operator"`
	IsActive *bool   `json:"is_active"`
	Version  int     `json:"version"   binding:"required,min=1"`
}

// SetPermissionsRequest 整体替换用户能力
type SetPermissionsRequest struct {
	Capabilities []string `json:"capabilities" binding:"dive,required"`
}

// ResetPasswordResponse 重置密码响应
type ResetPasswordResponse struct {
	TempPassword string `json:"temp_password"`
}
