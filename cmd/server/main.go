package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"trialpay/config"
	"trialpay/internal/api/handler"
	"trialpay/internal/api/middleware"
	"trialpay/internal/api/router"
	"trialpay/internal/authz"
	"trialpay/internal/repository"
	"trialpay/internal/service"
	"trialpay/internal/session"
	"trialpay/pkg/database"
	"trialpay/pkg/jwt"
	applogger "trialpay/pkg/logger"
	"trialpay/pkg/redis"
	"trialpay/pkg/storage"
)

func main() {
	// 0. 本地 .env（不存在时忽略）
	_ = godotenv.Load()

	// 1. 加载配置
	cfg, err := config.Load(os.Getenv("TRIALPAY_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
		zap.String("visit_sequencing", cfg.Feature.VisitSequencing),
	)

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	logger.Info("数据库连接成功")

	// 3.1 执行数据库迁移
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, logger); err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 4. 连接 Redis（可选：连接失败时降级运行，不中断启动）
	rdb, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis 连接失败，Token 黑名单、登录限流将不可用，会话设置改存进程内存", zap.Error(err))
		rdb = nil
	}

	// 5. 票据存储
	blobs, err := storage.NewFSStore(cfg.Storage.RootDir)
	if err != nil {
		logger.Fatal("初始化票据存储失败", zap.Error(err), zap.String("root_dir", cfg.Storage.RootDir))
	}

	// 6. 依赖注入: Repository → Service → Handler
	// rdb 为 nil 时不能直接赋给接口字段，否则接口非 nil
	var (
		sessions  session.Store
		blacklist service.TokenBlacklist
		checker   middleware.TokenChecker
		limiter   middleware.RateLimiter
	)
	if rdb != nil {
		sessions = session.NewRedisStore(rdb, cfg.Redis.SessionTTL)
		blacklist, checker, limiter = rdb, rdb, rdb
	} else {
		sessions = session.NewMemoryStore(cfg.Redis.SessionTTL)
	}

	jwtMgr := jwt.NewManager(&cfg.Auth)
	repo := repository.NewRepository(db)
	az := authz.NewAuthorizer(repo.Permission)

	svc := service.NewService(service.Deps{
		Config:     cfg,
		Repo:       repo,
		JWT:        jwtMgr,
		Authorizer: az,
		Sessions:   sessions,
		Blacklist:  blacklist,
		Blobs:      blobs,
		Logger:     logger,
	})
	h := handler.NewHandler(svc, cfg)

	// 7. 初始化路由
	engine := router.Setup(router.Deps{
		Config:     cfg,
		Handler:    h,
		JWT:        jwtMgr,
		Authorizer: az,
		Blacklist:  checker,
		Limiter:    limiter,
		Logger:     logger,
	})

	// 8. 启动 HTTP 服务器（优雅关闭）
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP 服务器异常", zap.Error(err))
		}
	}()

	// 9. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	// 关闭数据库连接
	if err := sqlDB.Close(); err != nil {
		logger.Warn("关闭数据库连接失败", zap.Error(err))
	}

	// 关闭 Redis 连接
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务器已关闭")
}
