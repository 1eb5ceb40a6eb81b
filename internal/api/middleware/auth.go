package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trialpay/internal/authz"
	"trialpay/pkg/jwt"
	"trialpay/pkg/response"
)

// 上下文键
const (
	CtxUserID         = "user_id"
	CtxRole           = "role"
	CtxImpersonatorID = "impersonator_id"
	CtxClaims         = "claims"
)

// TokenChecker 查询 Token 是否已被吊销（*redis.Client 实现）
type TokenChecker interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// JWTAuth JWT 认证中间件
// 从 Authorization: Bearer <token> 中提取并验证 Access Token
// blacklist 为 nil 时跳过吊销检查
func JWTAuth(jwtMgr *jwt.Manager, blacklist TokenChecker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, 10002, "缺少认证头")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, 10002, "认证头格式无效")
			c.Abort()
			return
		}

		claims, err := jwtMgr.ParseToken(parts[1])
		if err != nil {
			response.Unauthorized(c, 10002, "Token 无效或已过期")
			c.Abort()
			return
		}

		if claims.TokenType != jwt.TokenTypeAccess {
			response.Unauthorized(c, 10002, "Token 类型无效")
			c.Abort()
			return
		}

		if blacklist != nil {
			revoked, err := blacklist.IsBlacklisted(c.Request.Context(), claims.ID)
			if err != nil {
				// Redis 故障时降级放行
				logger.Warn("检查 Token 黑名单失败", zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, 10002, "Token 已注销")
				c.Abort()
				return
			}
		}

		// 将用户信息注入上下文
		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxRole, claims.Role)
		c.Set(CtxImpersonatorID, claims.ImpersonatorID)
		c.Set(CtxClaims, claims)

		c.Next()
	}
}

// RequireCapability 能力校验中间件，所有业务路由的唯一授权入口
func RequireCapability(az authz.Authorizer, capability authz.Capability, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(CtxUserID)
		if userID == "" {
			response.Unauthorized(c, 10002, "未认证")
			c.Abort()
			return
		}

		ok, err := az.Can(c.Request.Context(), authz.Subject{UserID: userID, Role: c.GetString(CtxRole)}, capability)
		if err != nil {
			logger.Error("权限校验失败",
				zap.String("user_id", userID), zap.Stringer("capability", capability), zap.Error(err))
			response.InternalError(c)
			c.Abort()
			return
		}
		if !ok {
			response.Forbidden(c, 10003, "无权限访问: "+capability.String())
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireAdmin 仅允许真实管理员（非代入身份）访问
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(CtxRole) != authz.RoleAdmin || c.GetString(CtxImpersonatorID) != "" {
			response.Forbidden(c, 10003, "仅管理员可操作")
			c.Abort()
			return
		}
		c.Next()
	}
}
