package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trialpay/config"
	"trialpay/internal/api/handler"
	"trialpay/internal/api/middleware"
	"trialpay/internal/authz"
	"trialpay/pkg/jwt"
)

// multipart 包头与表单字段的额外预留
const multipartOverhead = 1 << 20

// 患者导入文件上限
const importBodyLimit = 5<<20 + multipartOverhead

// Deps 路由层依赖
// Blacklist 与 Limiter 在 Redis 不可用时为 nil，对应中间件降级放行
type Deps struct {
	Config     *config.Config
	Handler    *handler.Handler
	JWT        *jwt.Manager
	Authorizer authz.Authorizer
	Blacklist  middleware.TokenChecker
	Limiter    middleware.RateLimiter
	Logger     *zap.Logger
}

// Setup 初始化并返回 Gin 路由引擎
func Setup(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	cfg, h, logger := d.Config, d.Handler, d.Logger
	can := func(c authz.Capability) gin.HandlerFunc {
		return middleware.RequireCapability(d.Authorizer, c, logger)
	}
	jsonLimit := middleware.BodyLimit(cfg.Server.BodyLimit)

	r := gin.New()

	// ── 全局中间件 ──
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS.AllowOrigins))

	// ── 健康检查 ──
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ── API v1 ──
	v1 := r.Group("/api/v1")
	{
		// 认证模块（无需认证）
		auth := v1.Group("/auth", jsonLimit)
		{
			auth.POST("/login", middleware.RateLimit(d.Limiter, cfg.Auth.LoginRateLimit, time.Minute), h.Auth.Login)
			auth.POST("/refresh", h.Auth.Refresh)
		}

		// 需要认证的路由
		authorized := v1.Group("")
		authorized.Use(middleware.JWTAuth(d.JWT, d.Blacklist, logger))
		{
			// 票据上传单独限制请求体大小
			authorized.POST("/receipts",
				middleware.BodyLimit(cfg.Storage.MaxUploadSize+multipartOverhead),
				can(authz.ExpensesWrite), h.Expense.UploadReceipt)
			authorized.GET("/receipts/*key", can(authz.ExpensesRead), h.Expense.DownloadReceipt)
			authorized.POST("/patients/import",
				middleware.BodyLimit(importBodyLimit),
				can(authz.PatientsWrite), h.Patient.ImportPatients)

			api := authorized.Group("", jsonLimit)

			// 认证模块（需要认证）
			api.POST("/auth/logout", h.Auth.Logout)
			api.GET("/auth/me", h.Auth.Me)
			api.PUT("/auth/password", h.Auth.ChangePassword)
			api.PATCH("/auth/settings", h.Auth.UpdateSettings)
			api.POST("/auth/impersonate", middleware.RequireAdmin(), h.Auth.Impersonate)
			api.POST("/auth/impersonate/stop", h.Auth.StopImpersonation)

			api.GET("/capabilities", h.User.ListCapabilities)

			// 用户与授权模块
			users := api.Group("/users", can(authz.UsersManage))
			{
				users.POST("", h.User.CreateUser)
				users.GET("", h.User.ListUsers)
				users.GET("/:id", h.User.GetUser)
				users.PUT("/:id", h.User.UpdateUser)
				users.DELETE("/:id", h.User.DeleteUser)
				users.POST("/:id/reset-password", h.User.ResetPassword)
				users.GET("/:id/permissions", h.User.GetPermissions)
				users.PUT("/:id/permissions", h.User.SetPermissions)
			}

			// 患者模块
			patients := api.Group("/patients")
			{
				patients.GET("", can(authz.PatientsRead), h.Patient.ListPatients)
				patients.GET("/:id", can(authz.PatientsRead), h.Patient.GetPatient)
				patients.GET("/:id/calendar", can(authz.PatientsRead), h.Patient.ExportCalendar)
				patients.POST("", can(authz.PatientsWrite), h.Patient.CreatePatient)
				patients.PUT("/:id", can(authz.PatientsWrite), h.Patient.UpdatePatient)
				patients.DELETE("/:id", can(authz.PatientsWrite), h.Patient.DeletePatient)
			}

			// 试验、访视类型与费用标准模块
			trials := api.Group("/trials")
			{
				trials.GET("", can(authz.TrialsRead), h.Trial.ListTrials)
				trials.GET("/:id", can(authz.TrialsRead), h.Trial.GetTrial)
				trials.POST("", can(authz.TrialsWrite), h.Trial.CreateTrial)
				trials.PUT("/:id", can(authz.TrialsWrite), h.Trial.UpdateTrial)
				trials.DELETE("/:id", can(authz.TrialsWrite), h.Trial.DeleteTrial)

				trials.GET("/:id/visit-types", can(authz.TrialsRead), h.Trial.ListVisitTypes)
				trials.POST("/:id/visit-types", can(authz.TrialsWrite), h.Trial.CreateVisitType)
				trials.PUT("/:id/visit-types/:vid", can(authz.TrialsWrite), h.Trial.UpdateVisitType)
				trials.DELETE("/:id/visit-types/:vid", can(authz.TrialsWrite), h.Trial.DeleteVisitType)

				trials.GET("/:id/fee-schedules", can(authz.FeeSchedulesRead), h.Trial.ListFeeSchedules)
				trials.PUT("/:id/fee-schedules", can(authz.FeeSchedulesWrite), h.Trial.UpsertFeeSchedule)
				trials.DELETE("/:id/fee-schedules/:fid", can(authz.FeeSchedulesWrite), h.Trial.DeleteFeeSchedule)
			}

			// 访视可选性
			eligibility := api.Group("/eligibility", can(authz.ExpensesRead))
			{
				eligibility.GET("/visits", h.Eligibility.ListVisitOptions)
				eligibility.GET("/visits/can-register", h.Eligibility.CanRegister)
			}

			// 报销模块
			expenses := api.Group("/expenses")
			{
				expenses.GET("", can(authz.ExpensesRead), h.Expense.ListExpenses)
				expenses.GET("/:id", can(authz.ExpensesRead), h.Expense.GetExpense)
				expenses.GET("/:id/change-logs", can(authz.ExpensesRead), h.Expense.ListChangeLogs)
				expenses.POST("", can(authz.ExpensesWrite), h.Expense.SubmitExpense)
				expenses.PUT("/:id", can(authz.ExpensesWrite), h.Expense.ReplaceExpense)
				expenses.DELETE("/:id", can(authz.ExpensesDelete), h.Expense.DeleteExpense)
			}

			// 报表导出
			api.GET("/reports/trial", can(authz.ReportsExport), h.Export.ExportTrialReport)
		}
	}

	return r
}
