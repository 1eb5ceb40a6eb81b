package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trialpay/internal/dto"
	"trialpay/internal/service"
	"trialpay/pkg/response"
)

// 导入文件上限
const maxImportFileSize = 5 << 20

// PatientHandler 患者模块 HTTP 处理器
type PatientHandler struct {
	patientSvc service.PatientService
	exportSvc  service.ExportService
}

// NewPatientHandler 创建 PatientHandler
func NewPatientHandler(patientSvc service.PatientService, exportSvc service.ExportService) *PatientHandler {
	return &PatientHandler{patientSvc: patientSvc, exportSvc: exportSvc}
}

// CreatePatient 创建患者
// POST /api/v1/patients
func (h *PatientHandler) CreatePatient(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.CreatePatientRequest
	if !bindJSON(c, &req, 13000) {
		return
	}

	patient, err := h.patientSvc.Create(c.Request.Context(), &req, callerID)
	if err != nil {
		handlePatientError(c, err)
		return
	}
	response.Created(c, patient)
}

// ListPatients 患者列表
// GET /api/v1/patients
func (h *PatientHandler) ListPatients(c *gin.Context) {
	var req dto.PatientListRequest
	if !bindQuery(c, &req, 13000) {
		return
	}

	list, total, err := h.patientSvc.List(c.Request.Context(), &req)
	if err != nil {
		handlePatientError(c, err)
		return
	}
	response.OKPage(c, list, total, req.GetPage(), req.GetPageSize())
}

// GetPatient 患者详情
// GET /api/v1/patients/:id
func (h *PatientHandler) GetPatient(c *gin.Context) {
	patient, err := h.patientSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		handlePatientError(c, err)
		return
	}
	response.OK(c, patient)
}

// UpdatePatient 更新患者（含启用/停用）
// PUT /api/v1/patients/:id
func (h *PatientHandler) UpdatePatient(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.UpdatePatientRequest
	if !bindJSON(c, &req, 13000) {
		return
	}

	patient, err := h.patientSvc.Update(c.Request.Context(), c.Param("id"), &req, callerID)
	if err != nil {
		handlePatientError(c, err)
		return
	}
	response.OK(c, patient)
}

// DeletePatient 删除患者（软删除）
// DELETE /api/v1/patients/:id
func (h *PatientHandler) DeletePatient(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	if err := h.patientSvc.Delete(c.Request.Context(), c.Param("id"), callerID); err != nil {
		handlePatientError(c, err)
		return
	}
	response.OK(c, nil)
}

// ImportPatients Excel 批量导入患者
// POST /api/v1/patients/import  (multipart, 字段名 file)
func (h *PatientHandler) ImportPatients(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, 13000, "请上传 Excel 文件")
		return
	}
	if fh.Size > maxImportFileSize {
		response.Error(c, http.StatusRequestEntityTooLarge, 10005, "文件过大")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, 13000, "无法读取上传文件")
		return
	}
	defer f.Close()

	rows, err := h.patientSvc.ParseImportFile(f)
	if err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, 13004, "导入文件解析失败", err.Error())
		return
	}

	result, err := h.patientSvc.ImportPatients(c.Request.Context(), rows, callerID)
	if err != nil {
		handlePatientError(c, err)
		return
	}
	response.OK(c, result)
}

// ExportCalendar 导出患者访视日历（.ics）
// GET /api/v1/patients/:id/calendar
func (h *PatientHandler) ExportCalendar(c *gin.Context) {
	buf, filename, err := h.exportSvc.ExportPatientCalendar(c.Request.Context(), c.Param("id"))
	if err != nil {
		handlePatientError(c, err)
		return
	}
	response.Attachment(c, filename, "text/calendar; charset=utf-8", buf.Bytes())
}

func handlePatientError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPatientNotFound):
		response.NotFound(c, 13001, "患者不存在")
	case errors.Is(err, service.ErrPatientCodeExists):
		response.Conflict(c, 13002, "患者编号已存在")
	case errors.Is(err, service.ErrPatientInactive):
		response.Unprocessable(c, 13003, "患者已停用")
	default:
		handleCommonError(c, err)
	}
}
