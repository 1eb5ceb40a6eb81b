package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"trialpay/internal/dto"
	"trialpay/internal/model"
	pkgerrors "trialpay/pkg/errors"
)

func setupTestPatientService() (PatientService, *testRepos) {
	repo, m := newTestRepos()
	return NewPatientService(repo, zap.NewNop()), m
}

// buildXLSX 生成内存中的 Excel 文件
func buildXLSX(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		axis, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, axis, &row); err != nil {
			t.Fatalf("写入 Excel 行失败: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("生成 Excel 失败: %v", err)
	}
	return buf
}

// ═══════════════════════════════════════════════════════════
// CRUD
// ═══════════════════════════════════════════════════════════

func TestCreatePatient(t *testing.T) {
	svc, _ := setupTestPatientService()
	ctx := context.Background()

	resp, err := svc.Create(ctx, &dto.CreatePatientRequest{Code: " P001 ", FirstName: "Ana", LastName: "Lopez"}, "u1")
	if err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}
	if resp.Code != "P001" || resp.Status != model.PatientStatusActive {
		t.Errorf("编号应去空格且默认活跃，实际 %+v", resp)
	}

	if _, err := svc.Create(ctx, &dto.CreatePatientRequest{Code: "P001", FirstName: "B", LastName: "C"}, "u1"); !errors.Is(err, ErrPatientCodeExists) {
		t.Errorf("期望 ErrPatientCodeExists，实际: %v", err)
	}
}

func TestUpdatePatient(t *testing.T) {
	svc, _ := setupTestPatientService()
	ctx := context.Background()

	a, _ := svc.Create(ctx, &dto.CreatePatientRequest{Code: "P001", FirstName: "Ana", LastName: "Lopez"}, "u1")
	_, _ = svc.Create(ctx, &dto.CreatePatientRequest{Code: "P002", FirstName: "Bo", LastName: "Chen"}, "u1")

	status := model.PatientStatusInactive
	updated, err := svc.Update(ctx, a.ID, &dto.UpdatePatientRequest{Status: &status, Version: a.Version}, "u1")
	if err != nil {
		t.Fatalf("Update 应成功: %v", err)
	}
	if updated.Status != model.PatientStatusInactive {
		t.Errorf("状态应更新为 inactive，实际 %s", updated.Status)
	}

	code := "P002"
	if _, err := svc.Update(ctx, a.ID, &dto.UpdatePatientRequest{Code: &code, Version: updated.Version}, "u1"); !errors.Is(err, ErrPatientCodeExists) {
		t.Errorf("编号冲突应返回 ErrPatientCodeExists，实际: %v", err)
	}
	if _, err := svc.Update(ctx, a.ID, &dto.UpdatePatientRequest{Status: &status, Version: a.Version}, "u1"); !errors.Is(err, pkgerrors.ErrOptimisticLock) {
		t.Errorf("过期版本应返回 ErrOptimisticLock，实际: %v", err)
	}
}

func TestListAndDeletePatient(t *testing.T) {
	svc, _ := setupTestPatientService()
	ctx := context.Background()

	a, _ := svc.Create(ctx, &dto.CreatePatientRequest{Code: "P001", FirstName: "Ana", LastName: "Lopez"}, "u1")
	_, _ = svc.Create(ctx, &dto.CreatePatientRequest{Code: "P002", FirstName: "Bo", LastName: "Chen"}, "u1")

	list, total, err := svc.List(ctx, &dto.PatientListRequest{Keyword: "Chen"})
	if err != nil {
		t.Fatalf("List 应成功: %v", err)
	}
	if total != 1 || list[0].Code != "P002" {
		t.Errorf("关键字筛选结果错误: %v", list)
	}

	if err := svc.Delete(ctx, a.ID, "u1"); err != nil {
		t.Fatalf("Delete 应成功: %v", err)
	}
	if _, err := svc.GetByID(ctx, a.ID); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("删除后应返回 ErrPatientNotFound，实际: %v", err)
	}
}

// ═══════════════════════════════════════════════════════════
// Excel 导入
// ═══════════════════════════════════════════════════════════

func TestParseImportFile(t *testing.T) {
	svc, _ := setupTestPatientService()
	buf := buildXLSX(t, [][]any{
		{"电话", "姓", "名", "编号"},
		{"555-0101", "Lopez", "Ana", "P001"},
		{"", "", "", ""},
		{"", "Chen", "Bo", "P002"},
	})

	rows, err := svc.ParseImportFile(buf)
	if err != nil {
		t.Fatalf("ParseImportFile 应成功: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("应跳过空行得到 2 行，实际 %d", len(rows))
	}
	if rows[0].Code != "P001" || rows[0].FirstName != "Ana" || rows[0].Phone != "555-0101" {
		t.Errorf("列序应按表头识别，实际 %+v", rows[0])
	}
	if rows[1].Row != 4 {
		t.Errorf("行号应对应 Excel 行，实际 %d", rows[1].Row)
	}
}

func TestParseImportFile_BadHeader(t *testing.T) {
	svc, _ := setupTestPatientService()
	buf := buildXLSX(t, [][]any{
		{"编号", "电话"},
		{"P001", "555"},
	})
	if _, err := svc.ParseImportFile(buf); !errors.Is(err, ErrImportBadHeader) {
		t.Errorf("期望 ErrImportBadHeader，实际: %v", err)
	}

	buf = buildXLSX(t, [][]any{{"code", "first_name", "last_name"}})
	if _, err := svc.ParseImportFile(buf); !errors.Is(err, ErrImportNoData) {
		t.Errorf("期望 ErrImportNoData，实际: %v", err)
	}
}

func TestImportPatients(t *testing.T) {
	svc, m := setupTestPatientService()
	ctx := context.Background()
	_, _ = svc.Create(ctx, &dto.CreatePatientRequest{Code: "P000", FirstName: "X", LastName: "Y"}, "u1")

	resp, err := svc.ImportPatients(ctx, []ImportPatientRow{
		{Row: 2, Code: "P001", FirstName: "Ana", LastName: "Lopez"},
		{Row: 3, Code: "P001", FirstName: "Dup", LastName: "Row"},
		{Row: 4, Code: "P000", FirstName: "Exists", LastName: "Row"},
		{Row: 5, Code: "P005", FirstName: "", LastName: "Missing"},
		{Row: 6, Code: "P006", FirstName: "Bo", LastName: "Chen"},
	}, "u1")
	if err != nil {
		t.Fatalf("ImportPatients 应成功: %v", err)
	}
	if resp.Total != 5 || resp.Success != 2 || resp.Failed != 3 {
		t.Errorf("统计错误: %+v", resp)
	}
	if len(m.patient.patients) != 3 {
		t.Errorf("应共有 3 名患者，实际 %d", len(m.patient.patients))
	}
}
