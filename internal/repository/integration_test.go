//go:build integration

package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trialpay/config"
	"trialpay/internal/model"
	"trialpay/internal/repository"
	"trialpay/pkg/database"
	pkgerrors "trialpay/pkg/errors"
)

// ═══════════════════════════════════════════════════════════
// Test Setup
// ═══════════════════════════════════════════════════════════

var testDB *gorm.DB

// startPostgres 启动一次性 Postgres 容器，返回连接串与销毁函数
func startPostgres(ctx context.Context) (string, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "trialpay",
			"POSTGRES_PASSWORD": "trialpay",
			"POSTGRES_DB":       "trialpay_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("启动 Postgres 容器失败: %w", err)
	}
	terminate := func() { _ = c.Terminate(context.Background()) }

	host, err := c.Host(ctx)
	if err != nil {
		terminate()
		return "", nil, err
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		terminate()
		return "", nil, err
	}

	cfg := config.DatabaseConfig{
		Host: host, Port: port.Int(), Name: "trialpay_test",
		User: "trialpay", Password: "trialpay", SSLMode: "disable", Timezone: "UTC",
	}
	return cfg.DSN(), terminate, nil
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	terminate := func() {}
	if dsn == "" {
		var err error
		dsn, terminate, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	var err error
	testDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法连接测试数据库: %v\n", err)
		terminate()
		os.Exit(1)
	}

	// 与生产一致：使用嵌入的迁移文件建表
	sqlDB, _ := testDB.DB()
	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		fmt.Fprintf(os.Stderr, "迁移失败: %v\n", err)
		terminate()
		os.Exit(1)
	}

	code := m.Run()
	terminate()
	os.Exit(code)
}

type fixture struct {
	user    *model.User
	patient *model.Patient
	trial   *model.Trial
}

// setupFixture 创建用户、患者与带四个访视的试验
func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	suffix := strconv.FormatInt(time.Now().UnixNano(), 36)

	f := &fixture{
		user: &model.User{
			Name:         "测试协调员",
			Email:        "coord-" + suffix + "@example.com",
			PasswordHash: "$2a$10$placeholder",
			Role:         model.RoleOperator,
			IsActive:     true,
		},
		patient: &model.Patient{
			Code: "P-" + suffix, FirstName: "Ana", LastName: "Silva",
			Status: model.PatientStatusActive,
		},
		trial: &model.Trial{Name: "MK-053-" + suffix, IsActive: true},
	}
	if err := testDB.WithContext(ctx).Create(f.user).Error; err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	if err := testDB.WithContext(ctx).Create(f.patient).Error; err != nil {
		t.Fatalf("创建患者失败: %v", err)
	}
	if err := testDB.WithContext(ctx).Create(f.trial).Error; err != nil {
		t.Fatalf("创建试验失败: %v", err)
	}

	// 故意乱序插入，验证 ListByTrial 的排序
	for _, vt := range []model.VisitType{
		{Name: "Week 8", OrderNumber: 30},
		{Name: "Screening", OrderNumber: 10},
		{Name: "Follow-up", OrderNumber: 40},
		{Name: "Week 4", OrderNumber: 20},
	} {
		vt.TrialID = f.trial.TrialID
		if err := testDB.WithContext(ctx).Create(&vt).Error; err != nil {
			t.Fatalf("创建访视类型失败: %v", err)
		}
	}

	t.Cleanup(func() {
		testDB.Exec("DELETE FROM patient_expenses WHERE trial_id = ?", f.trial.TrialID)
		testDB.Exec("DELETE FROM fee_schedules WHERE trial_id = ?", f.trial.TrialID)
		testDB.Exec("DELETE FROM visit_types WHERE trial_id = ?", f.trial.TrialID)
		testDB.Exec("DELETE FROM trials WHERE trial_id = ?", f.trial.TrialID)
		testDB.Exec("DELETE FROM patients WHERE patient_id = ?", f.patient.PatientID)
		testDB.Exec("DELETE FROM users WHERE user_id = ?", f.user.UserID)
	})
	return f
}

func newExpense(f *fixture, visit string) *model.PatientExpense {
	return &model.PatientExpense{
		PatientID:   f.patient.PatientID,
		TrialID:     f.trial.TrialID,
		VisitType:   visit,
		VisitDate:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		SubmittedBy: f.user.UserID,
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════
// VisitType
// ═══════════════════════════════════════════════════════════

func TestVisitType_ListByTrial_Ordered(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)

	list, err := repo.VisitType.ListByTrial(context.Background(), f.trial.TrialID)
	if err != nil {
		t.Fatalf("ListByTrial 应成功: %v", err)
	}
	want := []string{"Screening", "Week 4", "Week 8", "Follow-up"}
	if len(list) != len(want) {
		t.Fatalf("期望 %d 个访视，实际 %d", len(want), len(list))
	}
	for i, vt := range list {
		if vt.Name != want[i] {
			t.Errorf("第 %d 个访视期望 %s，实际 %s", i, want[i], vt.Name)
		}
	}
}

func TestVisitType_OrderUnique(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)

	err := repo.VisitType.Create(context.Background(), &model.VisitType{
		TrialID: f.trial.TrialID, Name: "Week 12", OrderNumber: 20,
	})
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("重复 order_number 应返回 ErrDuplicatedKey，实际 %v", err)
	}
}

// ═══════════════════════════════════════════════════════════
// PatientExpense
// ═══════════════════════════════════════════════════════════

func TestExpense_UniqueVisitConstraint(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	if err := repo.Expense.Create(ctx, newExpense(f, "Screening")); err != nil {
		t.Fatalf("首次提交应成功: %v", err)
	}
	err := repo.Expense.Create(ctx, newExpense(f, "Screening"))
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("同一访视重复提交应返回 ErrDuplicatedKey，实际 %v", err)
	}
}

func TestExpense_ListVisitNames(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	for _, v := range []string{"Screening", "Week 4"} {
		if err := repo.Expense.Create(ctx, newExpense(f, v)); err != nil {
			t.Fatalf("创建报销失败: %v", err)
		}
	}

	names, err := repo.Expense.ListVisitNames(ctx, f.patient.PatientID, f.trial.TrialID)
	if err != nil {
		t.Fatalf("ListVisitNames 应成功: %v", err)
	}
	got := map[string]bool{}
	for _, n := range names {
		got[n] = true
	}
	if len(names) != 2 || !got["Screening"] || !got["Week 4"] {
		t.Errorf("已完成访视不正确: %v", names)
	}

	// 其他试验不受影响
	other, err := repo.Expense.ListVisitNames(ctx, f.patient.PatientID, uuid.NewString())
	if err != nil || len(other) != 0 {
		t.Errorf("其他试验应无已完成访视: %v, %v", other, err)
	}
}

func TestExpense_OptimisticLock(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	e := newExpense(f, "Week 8")
	if err := repo.Expense.Create(ctx, e); err != nil {
		t.Fatalf("创建报销失败: %v", err)
	}

	stale := *e
	e.Notes = "第一次修改"
	if err := repo.Expense.Update(ctx, e); err != nil {
		t.Fatalf("首次更新应成功: %v", err)
	}
	stale.Notes = "过期修改"
	if err := repo.Expense.Update(ctx, &stale); !errors.Is(err, pkgerrors.ErrOptimisticLock) {
		t.Fatalf("过期版本更新应返回 ErrOptimisticLock，实际 %v", err)
	}
}

func TestExpense_ItemsCascadeOnDelete(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	e := newExpense(f, "Follow-up")
	if err := repo.Expense.Create(ctx, e); err != nil {
		t.Fatalf("创建报销失败: %v", err)
	}
	items := []model.ExpenseItem{
		{PatientExpenseID: e.PatientExpenseID, Category: model.CategoryTransport,
			Cost: decimal.RequireFromString("80.00"), ReimbursedAmount: decimal.RequireFromString("50.00")},
		{PatientExpenseID: e.PatientExpenseID, Category: model.CategoryFood,
			Cost: decimal.RequireFromString("18.20"), ReimbursedAmount: decimal.RequireFromString("18.20")},
	}
	if err := repo.ExpenseItem.BatchCreate(ctx, items); err != nil {
		t.Fatalf("创建明细失败: %v", err)
	}

	got, err := repo.Expense.GetByID(ctx, e.PatientExpenseID)
	if err != nil {
		t.Fatalf("GetByID 应成功: %v", err)
	}
	if len(got.Items) != 2 {
		t.Fatalf("期望 2 条明细，实际 %d", len(got.Items))
	}

	if err := repo.Expense.Delete(ctx, e.PatientExpenseID); err != nil {
		t.Fatalf("删除报销失败: %v", err)
	}
	left, err := repo.ExpenseItem.ListByExpense(ctx, e.PatientExpenseID)
	if err != nil || len(left) != 0 {
		t.Errorf("删除报销后明细应级联删除: %v, %v", left, err)
	}
}

func TestExpenseItem_ReceiptKeyUnique(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	a := newExpense(f, "Screening")
	b := newExpense(f, "Follow-up")
	for _, e := range []*model.PatientExpense{a, b} {
		if err := repo.Expense.Create(ctx, e); err != nil {
			t.Fatalf("创建报销失败: %v", err)
		}
	}

	key := "2026/10/" + uuid.NewString() + ".pdf"
	itemFor := func(expenseID string) []model.ExpenseItem {
		return []model.ExpenseItem{{PatientExpenseID: expenseID, Category: model.CategoryFood, ReceiptKey: &key,
			Cost: decimal.RequireFromString("10.00"), ReimbursedAmount: decimal.RequireFromString("10.00")}}
	}
	if err := repo.ExpenseItem.BatchCreate(ctx, itemFor(a.PatientExpenseID)); err != nil {
		t.Fatalf("创建明细失败: %v", err)
	}

	if inUse, err := repo.ExpenseItem.ReceiptKeyInUse(ctx, key, ""); err != nil || !inUse {
		t.Errorf("票据应被引用: %v, %v", inUse, err)
	}
	if inUse, err := repo.ExpenseItem.ReceiptKeyInUse(ctx, key, a.PatientExpenseID); err != nil || inUse {
		t.Errorf("排除所属报销后不应被引用: %v, %v", inUse, err)
	}

	err := repo.ExpenseItem.BatchCreate(ctx, itemFor(b.PatientExpenseID))
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Errorf("同一票据被第二条报销引用应违反唯一约束，实际: %v", err)
	}
}

// ═══════════════════════════════════════════════════════════
// Transaction
// ═══════════════════════════════════════════════════════════

func TestRunInTx_Rollback(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	e := newExpense(f, "Week 4")
	boom := errors.New("boom")
	err := repo.RunInTx(ctx, func(tx *repository.Repository) error {
		if err := tx.Expense.Create(ctx, e); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx 应返回 fn 的错误，实际 %v", err)
	}

	if _, err := repo.Expense.GetByID(ctx, e.PatientExpenseID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("回滚后应查不到报销，实际 %v", err)
	}
}

// ═══════════════════════════════════════════════════════════
// FeeSchedule / Permission
// ═══════════════════════════════════════════════════════════

func TestFeeSchedule_Upsert(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	for _, amount := range []string{"50.00", "65.00"} {
		fs := &model.FeeSchedule{
			TrialID: f.trial.TrialID, Category: model.CategoryTransport,
			MaxAmount: decimal.RequireFromString(amount),
		}
		if err := repo.FeeSchedule.Upsert(ctx, fs); err != nil {
			t.Fatalf("Upsert 应成功: %v", err)
		}
	}

	list, err := repo.FeeSchedule.ListByTrial(ctx, f.trial.TrialID)
	if err != nil {
		t.Fatalf("ListByTrial 应成功: %v", err)
	}
	if len(list) != 1 || !list[0].MaxAmount.Equal(decimal.RequireFromString("65.00")) {
		t.Errorf("同一类别应只保留一条且为最新上限: %+v", list)
	}
}

func TestUserPermission_GrantAndReplace(t *testing.T) {
	f := setupFixture(t)
	repo := repository.NewRepository(testDB)
	ctx := context.Background()

	if err := repo.Permission.Grant(ctx, f.user.UserID, []string{"expenses:read", "expenses:write"}, ""); err != nil {
		t.Fatalf("Grant 应成功: %v", err)
	}
	// 重复授权保持幂等
	if err := repo.Permission.Grant(ctx, f.user.UserID, []string{"expenses:read"}, ""); err != nil {
		t.Fatalf("重复 Grant 应成功: %v", err)
	}
	caps, _ := repo.Permission.ListCapabilities(ctx, f.user.UserID)
	if len(caps) != 2 {
		t.Fatalf("期望 2 项能力，实际 %v", caps)
	}

	err := repo.RunInTx(ctx, func(tx *repository.Repository) error {
		return tx.Permission.Replace(ctx, f.user.UserID, []string{"patients:read"}, "")
	})
	if err != nil {
		t.Fatalf("Replace 应成功: %v", err)
	}
	caps, _ = repo.Permission.ListCapabilities(ctx, f.user.UserID)
	if len(caps) != 1 || caps[0] != "patients:read" {
		t.Errorf("Replace 后能力不正确: %v", caps)
	}
}
