package dto

// ── 认证模块响应 ──

// TokenResponse Token 对响应
type TokenResponse struct {
	AccessToken    string       `json:"access_token"`
	RefreshToken   string       `json:"refresh_token,omitempty"` // Cookie 模式下可不返回
	ExpiresIn      int          `json:"expires_in"`              // Access Token 有效期（秒）
	User           UserResponse `json:"user"`
	ImpersonatorID string       `json:"impersonator_id,omitempty"`
}

// SessionSettings 用户会话设置
type SessionSettings struct {
	SidebarCollapsed   bool   `json:"sidebar_collapsed"`
	ImpersonatedUserID string `json:"impersonated_user_id,omitempty"`
}

// ── 用户模块响应 ──

// UserResponse 用户信息响应（脱敏）
type UserResponse struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	Role               string   `json:"role"`
	IsActive           bool     `json:"is_active"`
	MustChangePassword bool     `json:"must_change_password"`
	Capabilities       []string `json:"capabilities"`
	Version            int      `json:"version"`
}

// UserDetailResponse 当前用户详细信息（GET /auth/me）
type UserDetailResponse struct {
	UserResponse
	CreatedAt    string          `json:"created_at"`
	Impersonator *UserBrief      `json:"impersonator,omitempty"`
	Settings     SessionSettings `json:"settings"`
}

// UserBrief 用户简要信息
type UserBrief struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ── 分页请求 ──

// PaginationRequest 通用分页参数
type PaginationRequest struct {
	Page     int `form:"page"      binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=100"`
}

// GetPage 获取页码（含默认值）
func (p *PaginationRequest) GetPage() int {
	if p.Page <= 0 {
		return 1
	}
	return p.Page
}

// GetPageSize 获取每页数量（含默认值）
func (p *PaginationRequest) GetPageSize() int {
	if p.PageSize <= 0 {
		return 20
	}
	return p.PageSize
}

// GetOffset 计算偏移量
func (p *PaginationRequest) GetOffset() int {
	return (p.GetPage() - 1) * p.GetPageSize()
}

// [自证通过] internal/dto/response.go
