package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"trialpay/config"
	"trialpay/internal/dto"
	"trialpay/internal/service"
	"trialpay/pkg/response"
)

const refreshCookieName = "refresh_token"

// AuthHandler 认证模块 HTTP 处理器
type AuthHandler struct {
	authSvc service.AuthService
	cfg     config.AuthConfig
}

// NewAuthHandler 创建 AuthHandler
func NewAuthHandler(authSvc service.AuthService, cfg config.AuthConfig) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, cfg: cfg}
}

// Login 用户登录
// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if !bindJSON(c, &req, 10001) {
		return
	}

	result, err := h.authSvc.Login(c.Request.Context(), &req)
	if err != nil {
		handleAuthError(c, err)
		return
	}

	h.setRefreshCookie(c, result.RefreshToken, req.RememberMe)
	response.OK(c, result)
}

// Refresh 刷新 Token（请求体或 Cookie 携带 refresh token）
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req dto.RefreshTokenRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req, 10001) {
		return
	}
	token := req.RefreshToken
	if token == "" {
		token, _ = c.Cookie(refreshCookieName)
	}
	if token == "" {
		response.Unauthorized(c, 11003, "缺少 Refresh Token")
		return
	}

	result, err := h.authSvc.Refresh(c.Request.Context(), token)
	if err != nil {
		handleAuthError(c, err)
		return
	}

	h.setRefreshCookie(c, result.RefreshToken, false)
	response.OK(c, result)
}

// Logout 用户登出
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req dto.RefreshTokenRequest
	_ = c.ShouldBindJSON(&req)
	refresh := req.RefreshToken
	if refresh == "" {
		refresh, _ = c.Cookie(refreshCookieName)
	}

	if err := h.authSvc.Logout(c.Request.Context(), GetClaims(c), refresh); err != nil {
		handleAuthError(c, err)
		return
	}

	h.clearRefreshCookie(c)
	response.OK(c, nil)
}

// Me 获取当前用户信息与会话设置
// GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	result, err := h.authSvc.Me(c.Request.Context(), userID, GetImpersonatorID(c))
	if err != nil {
		handleAuthError(c, err)
		return
	}
	response.OK(c, result)
}

// ChangePassword 修改密码
// PUT /api/v1/auth/password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	if GetImpersonatorID(c) != "" {
		response.Forbidden(c, 11010, "代入状态下不能修改密码")
		return
	}

	var req dto.ChangePasswordRequest
	if !bindJSON(c, &req, 10001) {
		return
	}

	if err := h.authSvc.ChangePassword(c.Request.Context(), userID, &req); err != nil {
		handleAuthError(c, err)
		return
	}
	response.OK(c, nil)
}

// UpdateSettings 更新会话设置
// PATCH /api/v1/auth/settings
func (h *AuthHandler) UpdateSettings(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var req dto.UpdateSettingsRequest
	if !bindJSON(c, &req, 10001) {
		return
	}

	result, err := h.authSvc.UpdateSettings(c.Request.Context(), userID, &req)
	if err != nil {
		handleAuthError(c, err)
		return
	}
	response.OK(c, result)
}

// Impersonate 管理员代入其他用户
// POST /api/v1/auth/impersonate
func (h *AuthHandler) Impersonate(c *gin.Context) {
	adminID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var req dto.ImpersonateRequest
	if !bindJSON(c, &req, 10001) {
		return
	}

	result, err := h.authSvc.Impersonate(c.Request.Context(), adminID, req.UserID)
	if err != nil {
		handleAuthError(c, err)
		return
	}
	response.OK(c, result)
}

// StopImpersonation 结束代入，恢复管理员身份
// POST /api/v1/auth/impersonate/stop
func (h *AuthHandler) StopImpersonation(c *gin.Context) {
	result, err := h.authSvc.StopImpersonation(c.Request.Context(), GetImpersonatorID(c))
	if err != nil {
		handleAuthError(c, err)
		return
	}

	// 代入期间使用的 access token 立即作废
	_ = h.authSvc.Logout(c.Request.Context(), GetClaims(c), "")
	h.setRefreshCookie(c, result.RefreshToken, false)
	response.OK(c, result)
}

// ── Cookie ──

func (h *AuthHandler) setRefreshCookie(c *gin.Context, token string, rememberMe bool) {
	if token == "" {
		return
	}
	ttl := h.cfg.RefreshTokenTTLDefault
	if rememberMe {
		ttl = h.cfg.RefreshTokenTTLRemember
	}
	c.SetSameSite(sameSite(h.cfg.Cookie.SameSite))
	c.SetCookie(refreshCookieName, token, int(ttl.Seconds()), "/api/v1/auth", h.cfg.Cookie.Domain, h.cfg.Cookie.Secure, true)
}

func (h *AuthHandler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(sameSite(h.cfg.Cookie.SameSite))
	c.SetCookie(refreshCookieName, "", -1, "/api/v1/auth", h.cfg.Cookie.Domain, h.cfg.Cookie.Secure, true)
}

func sameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func handleAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Unauthorized(c, 11001, "邮箱或密码错误")
	case errors.Is(err, service.ErrUserInactive):
		response.Forbidden(c, 11002, "账号已停用")
	case errors.Is(err, service.ErrRefreshInvalid):
		response.Unauthorized(c, 11003, "Refresh Token 无效或已过期")
	case errors.Is(err, service.ErrWrongOldPassword):
		response.BadRequest(c, 11004, "原密码错误")
	case errors.Is(err, service.ErrSamePassword):
		response.BadRequest(c, 11005, "新密码不能与原密码相同")
	case errors.Is(err, service.ErrImpersonateSelf):
		response.BadRequest(c, 11006, "不能代入自己")
	case errors.Is(err, service.ErrImpersonateAdmin):
		response.Forbidden(c, 11007, "不能代入其他管理员")
	case errors.Is(err, service.ErrNotImpersonating):
		response.BadRequest(c, 11008, "当前未处于代入状态")
	case errors.Is(err, service.ErrAlreadyImpersonate):
		response.Conflict(c, 11009, "请先结束当前代入")
	case errors.Is(err, service.ErrUserNotFound):
		response.NotFound(c, 12001, "用户不存在")
	default:
		handleCommonError(c, err)
	}
}
