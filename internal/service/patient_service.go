package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trialpay/internal/dto"
	"trialpay/internal/model"
	"trialpay/internal/repository"
)

// ── 患者模块业务错误 ──

var (
	ErrPatientNotFound   = errors.New("患者不存在")
	ErrPatientCodeExists = errors.New("患者编号已存在")
	ErrPatientInactive   = errors.New("患者已停用")
)

// PatientService 患者业务接口
type PatientService interface {
	Create(ctx context.Context, req *dto.CreatePatientRequest, callerID string) (*dto.PatientResponse, error)
	GetByID(ctx context.Context, id string) (*dto.PatientResponse, error)
	List(ctx context.Context, req *dto.PatientListRequest) ([]dto.PatientResponse, int64, error)
	Update(ctx context.Context, id string, req *dto.UpdatePatientRequest, callerID string) (*dto.PatientResponse, error)
	Delete(ctx context.Context, id string, callerID string) error
	ParseImportFile(reader io.Reader) ([]ImportPatientRow, error)
	ImportPatients(ctx context.Context, rows []ImportPatientRow, callerID string) (*dto.ImportPatientResponse, error)
}

// ImportPatientRow Excel 导入解析后的单行数据
type ImportPatientRow struct {
	Row       int
	Code      string
	FirstName string
	LastName  string
	Phone     string
}

type patientService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewPatientService 创建 PatientService 实例
func NewPatientService(repo *repository.Repository, logger *zap.Logger) PatientService {
	return &patientService{repo: repo, logger: logger}
}

// ────────────────────── Create ──────────────────────

func (s *patientService) Create(ctx context.Context, req *dto.CreatePatientRequest, callerID string) (*dto.PatientResponse, error) {
	code := strings.TrimSpace(req.Code)
	if _, err := s.repo.Patient.GetByCode(ctx, code); err == nil {
		return nil, ErrPatientCodeExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("查询患者编号失败", zap.Error(err))
		return nil, err
	}

	patient := &model.Patient{
		Code:      code,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     strings.TrimSpace(req.Phone),
		Status:    model.PatientStatusActive,
		Notes:     req.Notes,
	}
	patient.SetCreator(callerID)

	if err := s.repo.Patient.Create(ctx, patient); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrPatientCodeExists
		}
		s.logger.Error("创建患者失败", zap.Error(err))
		return nil, err
	}

	return toPatientResponse(patient), nil
}

// ────────────────────── GetByID ──────────────────────

func (s *patientService) GetByID(ctx context.Context, id string) (*dto.PatientResponse, error) {
	patient, err := s.getPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	return toPatientResponse(patient), nil
}

// ────────────────────── List ──────────────────────

func (s *patientService) List(ctx context.Context, req *dto.PatientListRequest) ([]dto.PatientResponse, int64, error) {
	filters := &repository.PatientListFilters{
		Status:  req.Status,
		Keyword: strings.TrimSpace(req.Keyword),
	}

	patients, total, err := s.repo.Patient.ListWithFilters(ctx, filters, req.GetOffset(), req.GetPageSize())
	if err != nil {
		s.logger.Error("列出患者失败", zap.Error(err))
		return nil, 0, err
	}

	result := make([]dto.PatientResponse, 0, len(patients))
	for i := range patients {
		result = append(result, *toPatientResponse(&patients[i]))
	}
	return result, total, nil
}

// ────────────────────── Update ──────────────────────

func (s *patientService) Update(ctx context.Context, id string, req *dto.UpdatePatientRequest, callerID string) (*dto.PatientResponse, error) {
	patient, err := s.getPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	patient.Version = req.Version

	if req.Code != nil {
		code := strings.TrimSpace(*req.Code)
		existing, err := s.repo.Patient.GetByCode(ctx, code)
		if err == nil && existing.PatientID != id {
			return nil, ErrPatientCodeExists
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		patient.Code = code
	}
	if req.FirstName != nil {
		patient.FirstName = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		patient.LastName = strings.TrimSpace(*req.LastName)
	}
	if req.Phone != nil {
		patient.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.Status != nil {
		patient.Status = *req.Status
	}
	if req.Notes != nil {
		patient.Notes = *req.Notes
	}
	patient.UpdatedBy = &callerID

	if err := s.repo.Patient.Update(ctx, patient); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrPatientCodeExists
		}
		s.logger.Error("更新患者失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	return toPatientResponse(patient), nil
}

// ────────────────────── Delete ──────────────────────

func (s *patientService) Delete(ctx context.Context, id string, callerID string) error {
	if _, err := s.getPatient(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Patient.Delete(ctx, id, callerID); err != nil {
		s.logger.Error("删除患者失败", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// ────────────────────── ParseImportFile ──────────────────────

const maxImportRows = 1000

var (
	ErrImportNoData      = errors.New("Excel文件无数据行（第一行为表头）")
	ErrImportTooManyRows = fmt.Errorf("数据行数超过上限 %d 行", maxImportRows)
	ErrImportBadHeader   = errors.New("Excel表头缺少必要列（编号/名/姓）")
)

// ParseImportFile 解析导入 Excel 文件，返回解析后的行数据
func (s *patientService) ParseImportFile(reader io.Reader) ([]ImportPatientRow, error) {
	f, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, fmt.Errorf("无法解析Excel文件: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	excelRows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("读取工作表失败: %w", err)
	}

	if len(excelRows) < 2 {
		return nil, ErrImportNoData
	}

	// 解析表头（支持灵活列序）
	colIndex := parsePatientHeader(excelRows[0])
	if colIndex["code"] < 0 || colIndex["first_name"] < 0 || colIndex["last_name"] < 0 {
		return nil, ErrImportBadHeader
	}

	get := func(row []string, key string) string {
		if idx := colIndex[key]; idx >= 0 && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}

	var rows []ImportPatientRow
	for i := 1; i < len(excelRows); i++ {
		row := excelRows[i]
		item := ImportPatientRow{
			Row:       i + 1,
			Code:      get(row, "code"),
			FirstName: get(row, "first_name"),
			LastName:  get(row, "last_name"),
			Phone:     get(row, "phone"),
		}

		// 跳过全空行
		if item.Code == "" && item.FirstName == "" && item.LastName == "" && item.Phone == "" {
			continue
		}
		rows = append(rows, item)
	}

	if len(rows) == 0 {
		return nil, ErrImportNoData
	}
	if len(rows) > maxImportRows {
		return nil, ErrImportTooManyRows
	}
	return rows, nil
}

// parsePatientHeader 解析 Excel 表头，返回列名 -> 列索引映射
func parsePatientHeader(header []string) map[string]int {
	idx := map[string]int{
		"code":       -1,
		"first_name": -1,
		"last_name":  -1,
		"phone":      -1,
	}
	for i, h := range header {
		lower := strings.ToLower(strings.TrimSpace(h))
		switch lower {
		case "编号", "患者编号", "code":
			idx["code"] = i
		case "名", "first_name", "first name":
			idx["first_name"] = i
		case "姓", "last_name", "last name":
			idx["last_name"] = i
		case "电话", "phone":
			idx["phone"] = i
		}
	}
	return idx
}

// ────────────────────── ImportPatients ──────────────────────

func (s *patientService) ImportPatients(ctx context.Context, rows []ImportPatientRow, callerID string) (*dto.ImportPatientResponse, error) {
	resp := &dto.ImportPatientResponse{Total: len(rows)}

	// 第一阶段：数据预校验（不接触数据库写操作）
	var valid []ImportPatientRow
	seen := make(map[string]int, len(rows))
	for _, row := range rows {
		if row.Code == "" || row.FirstName == "" || row.LastName == "" {
			resp.Failed++
			resp.Errors = append(resp.Errors, dto.ImportPatientError{Row: row.Row, Reason: "必填字段为空"})
			continue
		}
		if first, dup := seen[row.Code]; dup {
			resp.Failed++
			resp.Errors = append(resp.Errors, dto.ImportPatientError{
				Row: row.Row, Reason: fmt.Sprintf("编号与第 %d 行重复: %s", first, row.Code),
			})
			continue
		}
		seen[row.Code] = row.Row

		if _, err := s.repo.Patient.GetByCode(ctx, row.Code); err == nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, dto.ImportPatientError{
				Row: row.Row, Reason: fmt.Sprintf("编号已存在: %s", row.Code),
			})
			continue
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error("查询患者编号失败", zap.Error(err))
			return nil, err
		}
		valid = append(valid, row)
	}

	// 第二阶段：在事务中批量创建所有通过校验的患者
	if len(valid) == 0 {
		return resp, nil
	}
	err := s.repo.RunInTx(ctx, func(tx *repository.Repository) error {
		for _, row := range valid {
			patient := &model.Patient{
				Code:      row.Code,
				FirstName: row.FirstName,
				LastName:  row.LastName,
				Phone:     row.Phone,
				Status:    model.PatientStatusActive,
			}
			if callerID != "" {
				patient.SetCreator(callerID)
			}
			if err := tx.Patient.Create(ctx, patient); err != nil {
				// 事务中任一写入失败则全部回滚
				return fmt.Errorf("第 %d 行写入数据库失败，已回滚全部导入: %w", row.Row, err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("导入患者失败，事务回滚", zap.Error(err))
		return nil, err
	}
	resp.Success = len(valid)

	s.logger.Info("导入患者完成",
		zap.Int("total", resp.Total), zap.Int("success", resp.Success), zap.Int("failed", resp.Failed))
	return resp, nil
}

// ── 内部辅助方法 ──

func (s *patientService) getPatient(ctx context.Context, id string) (*model.Patient, error) {
	patient, err := s.repo.Patient.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPatientNotFound
		}
		s.logger.Error("查询患者失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return patient, nil
}

func toPatientResponse(p *model.Patient) *dto.PatientResponse {
	return &dto.PatientResponse{
		ID:        p.PatientID,
		Code:      p.Code,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		FullName:  p.FullName(),
		Phone:     p.Phone,
		Status:    p.Status,
		Notes:     p.Notes,
		Version:   p.Version,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}
