package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"trialpay/config"
	"trialpay/internal/model"
	pkgerrors "trialpay/pkg/errors"
)

func setupTestEligibilityService(policy string) (EligibilityService, *testRepos) {
	repo, m := newTestRepos()
	return NewEligibilityService(repo, policy, zap.NewNop()), m
}

// seedMK053 构造 MK-053 试验：4 个访视，患者已提交 Screening 与 Week 4
func seedMK053(m *testRepos) {
	m.trial.trials["trial-mk053"] = &model.Trial{TrialID: "trial-mk053", Name: "MK-053", IsActive: true}
	for i, name := range []string{"Screening", "Week 4", "Week 8", "Follow-up"} {
		id := "vt-" + name
		m.visitType.visitTypes[id] = &model.VisitType{
			VisitTypeID: id,
			TrialID:     "trial-mk053",
			Name:        name,
			OrderNumber: (i + 1) * 10,
		}
	}
	m.patient.patients["patient-1"] = &model.Patient{PatientID: "patient-1", Code: "P001", Status: model.PatientStatusActive}
	for _, name := range []string{"Screening", "Week 4"} {
		m.expense.expenses["pe-"+name] = &model.PatientExpense{
			PatientExpenseID: "pe-" + name,
			PatientID:        "patient-1",
			TrialID:          "trial-mk053",
			VisitType:        name,
		}
	}
}

// ═══════════════════════════════════════════════════════════
// Resolve
// ═══════════════════════════════════════════════════════════

func TestResolve_MK053(t *testing.T) {
	svc, m := setupTestEligibilityService(config.VisitSequencingPermissive)
	seedMK053(m)

	options, err := svc.Resolve(context.Background(), "patient-1", "trial-mk053")
	if err != nil {
		t.Fatalf("Resolve 应成功: %v", err)
	}
	if len(options) != 4 {
		t.Fatalf("应返回全部 4 个访视，实际 %d", len(options))
	}

	want := []struct {
		name       string
		completed  bool
		selectable bool
	}{
		{"Screening", true, false},
		{"Week 4", true, false},
		{"Week 8", false, true},
		{"Follow-up", false, true},
	}
	for i, w := range want {
		got := options[i]
		if got.Name != w.name {
			t.Errorf("第 %d 项应为 %s，实际 %s", i, w.name, got.Name)
		}
		if got.IsCompleted != w.completed || got.IsSelectable != w.selectable {
			t.Errorf("%s: completed=%v selectable=%v，期望 %v/%v",
				got.Name, got.IsCompleted, got.IsSelectable, w.completed, w.selectable)
		}
	}
	if m.visitType.listCalls != 1 || m.expense.namesCalls != 1 {
		t.Errorf("Resolve 应只读取两次，实际 visit_types=%d expenses=%d", m.visitType.listCalls, m.expense.namesCalls)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	svc, m := setupTestEligibilityService("")
	seedMK053(m)

	first, err := svc.Resolve(context.Background(), "patient-1", "trial-mk053")
	if err != nil {
		t.Fatalf("第一次 Resolve 应成功: %v", err)
	}
	second, err := svc.Resolve(context.Background(), "patient-1", "trial-mk053")
	if err != nil {
		t.Fatalf("第二次 Resolve 应成功: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("两次结果长度不一致")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("第 %d 项两次结果不一致: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestResolve_OrderedByOrderNumber(t *testing.T) {
	svc, m := setupTestEligibilityService("")
	m.visitType.visitTypes["a"] = &model.VisitType{VisitTypeID: "a", TrialID: "t1", Name: "Late", OrderNumber: 300}
	m.visitType.visitTypes["b"] = &model.VisitType{VisitTypeID: "b", TrialID: "t1", Name: "Early", OrderNumber: 5}
	m.visitType.visitTypes["c"] = &model.VisitType{VisitTypeID: "c", TrialID: "t1", Name: "Middle", OrderNumber: 40}

	options, err := svc.Resolve(context.Background(), "p1", "t1")
	if err != nil {
		t.Fatalf("Resolve 应成功: %v", err)
	}
	if options[0].Name != "Early" || options[1].Name != "Middle" || options[2].Name != "Late" {
		t.Errorf("应按 order_number 升序，实际 %s, %s, %s", options[0].Name, options[1].Name, options[2].Name)
	}
}

func TestResolve_NoSubmissions_AllIncomplete(t *testing.T) {
	svc, m := setupTestEligibilityService(config.VisitSequencingPermissive)
	seedMK053(m)
	// 换一个没有任何报销的患者
	m.patient.patients["patient-2"] = &model.Patient{PatientID: "patient-2", Code: "P002", Status: model.PatientStatusActive}

	options, err := svc.Resolve(context.Background(), "patient-2", "trial-mk053")
	if err != nil {
		t.Fatalf("Resolve 应成功: %v", err)
	}
	if len(options) != 4 {
		t.Fatalf("应返回全部 4 个访视，实际 %d", len(options))
	}
	for _, opt := range options {
		if opt.IsCompleted {
			t.Errorf("%s 无报销记录，不应标记为已完成", opt.Name)
		}
		if !opt.IsSelectable {
			t.Errorf("%s 未完成，permissive 策略下应可选", opt.Name)
		}
	}
}

func TestResolve_EmptyTrial(t *testing.T) {
	svc, _ := setupTestEligibilityService("")

	options, err := svc.Resolve(context.Background(), "p1", "no-visits")
	if err != nil {
		t.Fatalf("无访视的试验不应报错: %v", err)
	}
	if options == nil || len(options) != 0 {
		t.Errorf("应返回空列表，实际 %v", options)
	}
}

func TestResolve_UnknownSubmittedVisitIgnored(t *testing.T) {
	svc, m := setupTestEligibilityService("")
	seedMK053(m)
	// 已提交的访视名称不在试验访视列表中（例如访视被改名）
	m.expense.expenses["pe-legacy"] = &model.PatientExpense{
		PatientExpenseID: "pe-legacy", PatientID: "patient-1", TrialID: "trial-mk053", VisitType: "Baseline",
	}

	options, err := svc.Resolve(context.Background(), "patient-1", "trial-mk053")
	if err != nil {
		t.Fatalf("Resolve 应成功: %v", err)
	}
	if len(options) != 4 {
		t.Errorf("未知访视名称不应产生额外选项，实际 %d", len(options))
	}
}

func TestResolve_InvalidInput(t *testing.T) {
	svc, _ := setupTestEligibilityService("")

	if _, err := svc.Resolve(context.Background(), "", "t1"); !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Errorf("空患者 ID 应返回 ErrInvalidInput，实际 %v", err)
	}
	if _, err := svc.Resolve(context.Background(), "p1", "  "); !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Errorf("空试验 ID 应返回 ErrInvalidInput，实际 %v", err)
	}
}

func TestResolve_RetrievalError(t *testing.T) {
	boom := errors.New("连接中断")

	svc, m := setupTestEligibilityService("")
	seedMK053(m)
	m.visitType.listErr = boom
	if opts, err := svc.Resolve(context.Background(), "patient-1", "trial-mk053"); !errors.Is(err, boom) || opts != nil {
		t.Errorf("访视类型读取失败应返回错误且无部分结果，实际 %v / %v", opts, err)
	}

	svc, m = setupTestEligibilityService("")
	seedMK053(m)
	m.expense.namesErr = boom
	if opts, err := svc.Resolve(context.Background(), "patient-1", "trial-mk053"); !errors.Is(err, boom) || opts != nil {
		t.Errorf("已提交访视读取失败应返回错误且无部分结果，实际 %v / %v", opts, err)
	}
}

func TestResolve_StrictPolicy(t *testing.T) {
	svc, m := setupTestEligibilityService(config.VisitSequencingStrict)
	seedMK053(m)

	options, err := svc.Resolve(context.Background(), "patient-1", "trial-mk053")
	if err != nil {
		t.Fatalf("Resolve 应成功: %v", err)
	}
	if !options[2].IsSelectable {
		t.Error("strict 策略下 Week 8 应可选")
	}
	if options[3].IsSelectable {
		t.Error("strict 策略下 Follow-up 不应可选")
	}
}

// ═══════════════════════════════════════════════════════════
// CanRegisterVisit
// ═══════════════════════════════════════════════════════════

func TestCanRegisterVisit(t *testing.T) {
	svc, m := setupTestEligibilityService("")
	seedMK053(m)
	ctx := context.Background()

	cases := []struct {
		visit string
		want  bool
	}{
		{"Screening", false},
		{"Week 8", true},
		{"Follow-up", true},
		{"Week 99", false},
	}
	for _, c := range cases {
		got, err := svc.CanRegisterVisit(ctx, "patient-1", "trial-mk053", c.visit)
		if err != nil {
			t.Fatalf("CanRegisterVisit(%s) 应成功: %v", c.visit, err)
		}
		if got != c.want {
			t.Errorf("CanRegisterVisit(%s) = %v，期望 %v", c.visit, got, c.want)
		}
	}
}

func TestCanRegisterVisit_StrictPolicy(t *testing.T) {
	svc, m := setupTestEligibilityService(config.VisitSequencingStrict)
	seedMK053(m)

	ok, err := svc.CanRegisterVisit(context.Background(), "patient-1", "trial-mk053", "Follow-up")
	if err != nil {
		t.Fatalf("CanRegisterVisit 应成功: %v", err)
	}
	if ok {
		t.Error("strict 策略下跳过 Week 8 登记 Follow-up 应被拒绝")
	}
}
