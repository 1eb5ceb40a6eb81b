package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"trialpay/internal/dto"
	"trialpay/internal/model"
	pkgerrors "trialpay/pkg/errors"
)

// ── 测试辅助 ──

func setupTestExportService() (ExportService, *testRepos) {
	repo, m := newTestRepos()
	svc := NewExportService(repo, zap.NewNop()).(*exportService)
	svc.now = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }
	return svc, m
}

func seedReportData(m *testRepos) {
	seedMK053(m)
	patient := m.patient.patients["patient-1"]
	patient.FirstName, patient.LastName = "Ana", "Lopez"
	trial := m.trial.trials["trial-mk053"]

	e := m.expense.expenses["pe-Screening"]
	e.VisitDate = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	e.Patient, e.Trial = patient, trial
	e.TotalCost = decimal.RequireFromString("72.50")
	e.TotalReimbursed = decimal.RequireFromString("50")
	m.item.items["pe-Screening"] = []model.ExpenseItem{{
		ExpenseItemID: "ei-1", PatientExpenseID: "pe-Screening", Category: model.CategoryTransport,
		Cost: decimal.RequireFromString("72.50"), ReimbursedAmount: decimal.RequireFromString("50"),
	}}

	e = m.expense.expenses["pe-Week 4"]
	e.VisitDate = time.Date(2026, 9, 29, 0, 0, 0, 0, time.UTC)
	e.Patient, e.Trial = patient, trial
	m.item.items["pe-Week 4"] = []model.ExpenseItem{{
		ExpenseItemID: "ei-2", PatientExpenseID: "pe-Week 4", Category: model.CategoryFood,
		Cost: decimal.RequireFromString("18.20"), ReimbursedAmount: decimal.RequireFromString("18.20"),
	}}
}

// ── ExportTrialReport 测试 ──

func TestExportService_TrialReport(t *testing.T) {
	svc, m := setupTestExportService()
	seedReportData(m)

	buf, filename, err := svc.ExportTrialReport(context.Background(), &dto.ReportRequest{TrialID: "trial-mk053"})
	if err != nil {
		t.Fatalf("ExportTrialReport 应成功: %v", err)
	}
	if !strings.HasSuffix(filename, ".xlsx") || !strings.Contains(filename, "MK-053") {
		t.Errorf("文件名不符合预期: %s", filename)
	}

	f, err := excelize.OpenReader(buf)
	if err != nil {
		t.Fatalf("导出内容应为合法 Excel: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("报销明细")
	if err != nil {
		t.Fatalf("读取工作表失败: %v", err)
	}
	// 标题 + 表头 + 2 条明细 + 合计
	if len(rows) != 5 {
		t.Fatalf("应有 5 行，实际 %d", len(rows))
	}
	if rows[2][1] != "P001" || rows[2][3] != "Screening" || rows[2][4] != "交通" {
		t.Errorf("第一条明细内容错误: %v", rows[2])
	}
	if rows[4][4] != "合计" {
		t.Errorf("末行应为合计行: %v", rows[4])
	}
	total, _ := f.GetCellValue("报销明细", "G5", excelize.Options{RawCellValue: true})
	if total != "68.2" {
		t.Errorf("报销合计应为 68.2，实际 %s", total)
	}
}

func TestExportService_TrialReport_DateRange(t *testing.T) {
	svc, m := setupTestExportService()
	seedReportData(m)

	buf, _, err := svc.ExportTrialReport(context.Background(), &dto.ReportRequest{
		TrialID: "trial-mk053", DateFrom: "2026-09-15", DateTo: "2026-09-30",
	})
	if err != nil {
		t.Fatalf("ExportTrialReport 应成功: %v", err)
	}
	f, _ := excelize.OpenReader(buf)
	defer f.Close()
	rows, _ := f.GetRows("报销明细")
	if len(rows) != 4 {
		t.Errorf("日期范围内只应有 1 条明细，实际 %d 行", len(rows))
	}
	if !strings.Contains(rows[0][0], "2026-09-15 至 2026-09-30") {
		t.Errorf("标题应包含日期范围: %s", rows[0][0])
	}

	_, _, err = svc.ExportTrialReport(context.Background(), &dto.ReportRequest{TrialID: "trial-mk053", DateFrom: "bad"})
	if !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Errorf("期望 ErrInvalidInput，实际: %v", err)
	}
}

func TestExportService_TrialReport_NotFound(t *testing.T) {
	svc, _ := setupTestExportService()
	_, _, err := svc.ExportTrialReport(context.Background(), &dto.ReportRequest{TrialID: "missing"})
	if !errors.Is(err, ErrTrialNotFound) {
		t.Errorf("期望 ErrTrialNotFound，实际: %v", err)
	}
}

// ── ExportPatientCalendar 测试 ──

func TestExportService_PatientCalendar(t *testing.T) {
	svc, m := setupTestExportService()
	seedReportData(m)

	buf, filename, err := svc.ExportPatientCalendar(context.Background(), "patient-1")
	if err != nil {
		t.Fatalf("ExportPatientCalendar 应成功: %v", err)
	}
	if filename != "访视日历_P001.ics" {
		t.Errorf("文件名不符合预期: %s", filename)
	}

	content := buf.String()
	if !strings.Contains(content, "BEGIN:VCALENDAR") {
		t.Error("应为 iCalendar 格式")
	}
	if n := strings.Count(content, "BEGIN:VEVENT"); n != 2 {
		t.Errorf("应有 2 个事件，实际 %d", n)
	}
	if !strings.Contains(content, "20260901") {
		t.Error("应包含访视日期 20260901")
	}
}

func TestExportService_PatientCalendar_NotFound(t *testing.T) {
	svc, _ := setupTestExportService()
	_, _, err := svc.ExportPatientCalendar(context.Background(), "ghost")
	if !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("期望 ErrPatientNotFound，实际: %v", err)
	}
}
