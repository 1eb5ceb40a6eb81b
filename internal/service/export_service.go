package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trialpay/internal/dto"
	"trialpay/internal/model"
	"trialpay/internal/repository"
)

// ── 导出模块业务错误 ──

var (
	ErrExportGenerateFail = errors.New("生成导出文件失败")
)

// ExportService 导出业务接口
//
// 设计说明：
//   - 报销报表：按试验导出 Excel，每条明细一行，末尾合计行
//   - 访视日历：按患者导出 .ics，每条报销记录一个全天事件
//   - 导出以 bytes.Buffer 返回，由 Handler 层设置 HTTP 响应头后写入 Response
type ExportService interface {
	ExportTrialReport(ctx context.Context, req *dto.ReportRequest) (*bytes.Buffer, string, error)
	ExportPatientCalendar(ctx context.Context, patientID string) (*bytes.Buffer, string, error)
}

type exportService struct {
	repo   *repository.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService 创建 ExportService 实例
func NewExportService(repo *repository.Repository, logger *zap.Logger) ExportService {
	return &exportService{repo: repo, logger: logger, now: time.Now}
}

// ═══════════════════════════════════════════════════════════
// ExportTrialReport 导出试验报销报表
// ═══════════════════════════════════════════════════════════
//
// 输出格式：
//   - 标题行：试验名称 + 日期范围
//   - 表头：访视日期 | 患者编号 | 患者姓名 | 访视 | 类别 | 费用 | 报销金额 | 票据
//   - 合计行：费用合计、报销合计
//
// 返回值：buf（Excel 内容）, filename（建议文件名）, error

func (s *exportService) ExportTrialReport(ctx context.Context, req *dto.ReportRequest) (*bytes.Buffer, string, error) {
	trial, err := s.repo.Trial.GetByID(ctx, req.TrialID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrTrialNotFound
		}
		s.logger.Error("查询试验失败", zap.Error(err))
		return nil, "", err
	}

	filters, err := expenseFilters("", req.TrialID, "", req.DateFrom, req.DateTo)
	if err != nil {
		return nil, "", err
	}
	expenses, err := s.repo.Expense.ListForReport(ctx, filters)
	if err != nil {
		s.logger.Error("查询报表数据失败", zap.Error(err))
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "报销明细"
	idx, _ := f.NewSheet(sheetName)
	f.SetActiveSheet(idx)
	// 删除默认 Sheet1
	f.DeleteSheet("Sheet1")

	headers := []string{"访视日期", "患者编号", "患者姓名", "访视", "类别", "费用", "报销金额", "票据"}
	widths := []float64{12, 14, 20, 16, 14, 12, 12, 40}
	for i, w := range widths {
		col := colName(i)
		f.SetColWidth(sheetName, col, col, w)
	}

	// 样式
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	moneyFmt := "#,##0.00"
	moneyStyle, _ := f.NewStyle(&excelize.Style{CustomNumFmt: &moneyFmt})
	totalStyle, _ := f.NewStyle(&excelize.Style{
		Font:         &excelize.Font{Bold: true},
		CustomNumFmt: &moneyFmt,
	})

	// 标题行
	f.SetCellValue(sheetName, "A1", reportTitle(trial.Name, req.DateFrom, req.DateTo))
	f.MergeCell(sheetName, "A1", cell(colName(len(headers)-1), 1))
	f.SetCellStyle(sheetName, "A1", "A1", headerStyle)

	// 表头
	row := 2
	for i, h := range headers {
		f.SetCellValue(sheetName, cell(colName(i), row), h)
	}
	f.SetCellStyle(sheetName, cell("A", row), cell(colName(len(headers)-1), row), headerStyle)

	// 数据行
	totalCost := decimal.Zero
	totalReimbursed := decimal.Zero
	row = 3
	for _, e := range expenses {
		code, name := "", ""
		if e.Patient != nil {
			code, name = e.Patient.Code, e.Patient.FullName()
		}
		for _, it := range e.Items {
			receipt := "-"
			if it.ReceiptKey != nil {
				receipt = *it.ReceiptKey
			}
			cost, _ := it.Cost.Float64()
			reimbursed, _ := it.ReimbursedAmount.Float64()

			f.SetCellValue(sheetName, cell("A", row), e.VisitDate.Format(dateLayout))
			f.SetCellValue(sheetName, cell("B", row), code)
			f.SetCellValue(sheetName, cell("C", row), name)
			f.SetCellValue(sheetName, cell("D", row), e.VisitType)
			f.SetCellValue(sheetName, cell("E", row), categoryLabels[it.Category])
			f.SetCellValue(sheetName, cell("F", row), cost)
			f.SetCellValue(sheetName, cell("G", row), reimbursed)
			f.SetCellValue(sheetName, cell("H", row), receipt)
			f.SetCellStyle(sheetName, cell("F", row), cell("G", row), moneyStyle)

			totalCost = totalCost.Add(it.Cost)
			totalReimbursed = totalReimbursed.Add(it.ReimbursedAmount)
			row++
		}
	}

	// 合计行
	tc, _ := totalCost.Float64()
	tr, _ := totalReimbursed.Float64()
	f.SetCellValue(sheetName, cell("E", row), "合计")
	f.SetCellValue(sheetName, cell("F", row), tc)
	f.SetCellValue(sheetName, cell("G", row), tr)
	f.SetCellStyle(sheetName, cell("E", row), cell("G", row), totalStyle)

	// 写入 buffer
	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		s.logger.Error("写入 Excel 失败", zap.Error(err))
		return nil, "", ErrExportGenerateFail
	}

	filename := fmt.Sprintf("报销报表_%s.xlsx", trial.Name)
	return buf, filename, nil
}

// ═══════════════════════════════════════════════════════════
// ExportPatientCalendar 导出患者访视日历
// ═══════════════════════════════════════════════════════════

func (s *exportService) ExportPatientCalendar(ctx context.Context, patientID string) (*bytes.Buffer, string, error) {
	patient, err := s.repo.Patient.GetByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrPatientNotFound
		}
		s.logger.Error("查询患者失败", zap.Error(err))
		return nil, "", err
	}

	expenses, err := s.repo.Expense.ListForReport(ctx, &repository.ExpenseListFilters{PatientID: patientID})
	if err != nil {
		s.logger.Error("查询患者报销失败", zap.Error(err))
		return nil, "", err
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//trialpay//visit calendar//ZH")
	cal.SetXWRCalName(fmt.Sprintf("%s 访视日历", patient.Code))

	stamp := s.now().UTC()
	for _, e := range expenses {
		trialName := e.TrialID
		if e.Trial != nil {
			trialName = e.Trial.Name
		}

		event := cal.AddEvent(e.PatientExpenseID + "@trialpay")
		event.SetDtStampTime(stamp)
		event.SetAllDayStartAt(e.VisitDate)
		event.SetAllDayEndAt(e.VisitDate.AddDate(0, 0, 1))
		event.SetSummary(fmt.Sprintf("%s · %s", trialName, e.VisitType))
		event.SetDescription(fmt.Sprintf("报销合计 %s，核定报销 %s",
			e.TotalCost.StringFixed(2), e.TotalReimbursed.StringFixed(2)))
	}

	buf := bytes.NewBufferString(cal.Serialize())
	filename := fmt.Sprintf("访视日历_%s.ics", patient.Code)
	return buf, filename, nil
}

// ── 辅助函数 ──

var categoryLabels = map[string]string{
	model.CategoryTransport:     "交通",
	model.CategoryTrip1:         "行程1",
	model.CategoryTrip2:         "行程2",
	model.CategoryTrip3:         "行程3",
	model.CategoryTrip4:         "行程4",
	model.CategoryFood:          "餐饮",
	model.CategoryAccommodation: "住宿",
}

func reportTitle(trialName, from, to string) string {
	switch {
	case from != "" && to != "":
		return fmt.Sprintf("%s 报销报表（%s 至 %s）", trialName, from, to)
	case from != "":
		return fmt.Sprintf("%s 报销报表（%s 起）", trialName, from)
	case to != "":
		return fmt.Sprintf("%s 报销报表（截至 %s）", trialName, to)
	default:
		return fmt.Sprintf("%s 报销报表", trialName)
	}
}

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
