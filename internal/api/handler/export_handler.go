package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trialpay/internal/dto"
	"trialpay/internal/service"
	"trialpay/pkg/response"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExportHandler 报表导出 HTTP 处理器
type ExportHandler struct {
	exportSvc service.ExportService
}

// NewExportHandler 创建 ExportHandler
func NewExportHandler(exportSvc service.ExportService) *ExportHandler {
	return &ExportHandler{exportSvc: exportSvc}
}

// ExportTrialReport 导出试验报销报表
// GET /api/v1/reports/trial?trial_id=xxx&date_from=&date_to=
func (h *ExportHandler) ExportTrialReport(c *gin.Context) {
	var req dto.ReportRequest
	if !bindQuery(c, &req, 16000) {
		return
	}

	buf, filename, err := h.exportSvc.ExportTrialReport(c.Request.Context(), &req)
	if err != nil {
		handleExportError(c, err)
		return
	}
	response.Attachment(c, filename, xlsxContentType, buf.Bytes())
}

func handleExportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExportGenerateFail):
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, 16001, "生成导出文件失败")
	default:
		handleTrialError(c, err)
	}
}
