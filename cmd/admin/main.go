// Command admin 运维命令行：数据库迁移、创建用户、授权与患者批量导入
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trialpay/config"
	"trialpay/internal/authz"
	"trialpay/internal/dto"
	"trialpay/internal/repository"
	"trialpay/internal/service"
	"trialpay/internal/session"
	"trialpay/pkg/database"
	"trialpay/pkg/jwt"
	applogger "trialpay/pkg/logger"
)

// app 单次命令执行期间共享的依赖
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	sqlDB  *sql.DB
	repo   *repository.Repository
	svc    *service.Service
}

func (a *app) close() {
	if a.sqlDB != nil {
		a.sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func bootstrap(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	repo := repository.NewRepository(db)
	svc := service.NewService(service.Deps{
		Config:     cfg,
		Repo:       repo,
		JWT:        jwt.NewManager(&cfg.Auth),
		Authorizer: authz.NewAuthorizer(repo.Permission),
		Sessions:   session.NewMemoryStore(time.Hour),
		Logger:     logger,
	})
	return &app{cfg: cfg, logger: logger, sqlDB: sqlDB, repo: repo, svc: svc}, nil
}

func main() {
	_ = godotenv.Load()

	var configPath string
	root := &cobra.Command{
		Use:           "admin",
		Short:         "临床试验报销系统运维工具",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRIALPAY_CONFIG"), "配置文件路径")

	withApp := func(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return run(cmd.Context(), a, args)
		}
	}

	root.AddCommand(
		newMigrateCmd(withApp),
		newCreateUserCmd(withApp),
		newGrantCmd(withApp),
		newImportPatientsCmd(withApp),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

type runner func(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error

// ────────────────────── migrate ──────────────────────

func newMigrateCmd(withApp runner) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "数据库迁移"}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "执行全部未应用的迁移",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, a *app, _ []string) error {
			return database.RunMigrations(a.sqlDB, a.logger)
		}),
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "回滚最近的迁移",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, a *app, _ []string) error {
			return database.RollbackMigrations(a.sqlDB, steps, a.logger)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "回滚步数")
	cmd.AddCommand(down)

	return cmd
}

// ────────────────────── create-user ──────────────────────

func newCreateUserCmd(withApp runner) *cobra.Command {
	var req dto.CreateUserRequest
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "创建用户并输出一次性临时密码",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			resp, err := a.svc.User.CreateUser(ctx, &req, "")
			if err != nil {
				return err
			}
			fmt.Printf("已创建用户 %s (%s)\n临时密码: %s\n", resp.User.Email, resp.User.ID, resp.TempPassword)
			return nil
		}),
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "姓名")
	cmd.Flags().StringVar(&req.Email, "email", "", "登录邮箱")
	cmd.Flags().StringVar(&req.Role, "role", "operator", "角色（admin / operator）")
	cmd.Flags().StringSliceVar(&req.Capabilities, "cap", nil, "授予的能力，可重复，如 --cap expenses:write")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// ────────────────────── grant ──────────────────────

func newGrantCmd(withApp runner) *cobra.Command {
	var (
		email string
		caps  []string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "为用户追加能力",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			user, err := a.repo.User.GetByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("查询用户 %s 失败: %w", email, err)
			}
			held, err := a.svc.User.GrantPermissions(ctx, user.UserID, caps, "")
			if err != nil {
				return err
			}
			fmt.Printf("%s 当前能力: %v\n", email, held)
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "用户邮箱")
	cmd.Flags().StringSliceVar(&caps, "cap", nil, "能力，可重复")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("cap")
	return cmd
}

// ────────────────────── import-patients ──────────────────────

func newImportPatientsCmd(withApp runner) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "import-patients <file.xlsx>",
		Short: "从 Excel 批量导入患者",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			user, err := a.repo.User.GetByEmail(ctx, by)
			if err != nil {
				return fmt.Errorf("查询操作人 %s 失败: %w", by, err)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rows, err := a.svc.Patient.ParseImportFile(f)
			if err != nil {
				return err
			}
			result, err := a.svc.Patient.ImportPatients(ctx, rows, user.UserID)
			if err != nil {
				return err
			}

			fmt.Printf("共 %d 行，成功 %d，失败 %d\n", result.Total, result.Success, result.Failed)
			for _, e := range result.Errors {
				fmt.Printf("  第 %d 行: %s\n", e.Row, e.Reason)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&by, "by", "", "操作人邮箱（记录为创建人）")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}
