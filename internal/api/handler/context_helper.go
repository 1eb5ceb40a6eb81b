package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trialpay/internal/api/middleware"
	"trialpay/pkg/jwt"
	pkgerrors "trialpay/pkg/errors"
	"trialpay/pkg/response"
)

// MustGetUserID 从 Gin 上下文中安全提取 user_id。
// 如果 JWT 中间件未正确注入 user_id，返回 false 并写入 401 响应。
// 调用方应在 ok=false 时直接 return。
func MustGetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(middleware.CtxUserID)
	if !exists {
		response.Unauthorized(c, 10002, "未认证")
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		response.Unauthorized(c, 10002, "未认证")
		return "", false
	}
	return s, true
}

// GetImpersonatorID 代入状态下返回管理员 ID，否则为空
func GetImpersonatorID(c *gin.Context) string {
	return c.GetString(middleware.CtxImpersonatorID)
}

// GetClaims 返回当前 access token 的声明
func GetClaims(c *gin.Context) *jwt.Claims {
	v, exists := c.Get(middleware.CtxClaims)
	if !exists {
		return nil
	}
	claims, _ := v.(*jwt.Claims)
	return claims
}

// bindJSON 绑定请求体；请求体超限返回 413，其余绑定错误返回 400
func bindJSON(c *gin.Context, dst any, code int) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, 10005, "请求体过大")
			return false
		}
		response.ErrorWithDetails(c, http.StatusBadRequest, code, "参数校验失败", err.Error())
		return false
	}
	return true
}

// bindQuery 绑定查询参数
func bindQuery(c *gin.Context, dst any, code int) bool {
	if err := c.ShouldBindQuery(dst); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, code, "参数校验失败", err.Error())
		return false
	}
	return true
}

// handleCommonError 处理跨模块的通用错误，未识别的错误返回 500
func handleCommonError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrOptimisticLock):
		response.Conflict(c, 10006, "数据已被他人修改，请刷新后重试")
	case errors.Is(err, pkgerrors.ErrInvalidInput):
		response.BadRequest(c, 10007, "参数无效")
	default:
		_ = c.Error(err)
		response.InternalError(c)
	}
}
