package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"trialpay/internal/dto"
	"trialpay/internal/service"
	"trialpay/pkg/response"
)

// ExpenseHandler 报销登记与票据 HTTP 处理器
type ExpenseHandler struct {
	expenseSvc service.ExpenseService
}

// NewExpenseHandler 创建 ExpenseHandler
func NewExpenseHandler(expenseSvc service.ExpenseService) *ExpenseHandler {
	return &ExpenseHandler{expenseSvc: expenseSvc}
}

// SubmitExpense 登记一次访视报销
// POST /api/v1/expenses
func (h *ExpenseHandler) SubmitExpense(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.SubmitExpenseRequest
	if !bindJSON(c, &req, 15000) {
		return
	}

	expense, err := h.expenseSvc.Submit(c.Request.Context(), &req, callerID)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.Created(c, expense)
}

// ListExpenses GET /api/v1/expenses
func (h *ExpenseHandler) ListExpenses(c *gin.Context) {
	var req dto.ExpenseListRequest
	if !bindQuery(c, &req, 15000) {
		return
	}

	list, total, err := h.expenseSvc.List(c.Request.Context(), &req)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.OKPage(c, list, total, req.GetPage(), req.GetPageSize())
}

// GetExpense GET /api/v1/expenses/:id
func (h *ExpenseHandler) GetExpense(c *gin.Context) {
	expense, err := h.expenseSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.OK(c, expense)
}

// ReplaceExpense 整体替换报销内容（需携带 version）
// PUT /api/v1/expenses/:id
func (h *ExpenseHandler) ReplaceExpense(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.ReplaceExpenseRequest
	if !bindJSON(c, &req, 15000) {
		return
	}

	expense, err := h.expenseSvc.Replace(c.Request.Context(), c.Param("id"), &req, callerID)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.OK(c, expense)
}

// DeleteExpense DELETE /api/v1/expenses/:id
func (h *ExpenseHandler) DeleteExpense(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	if err := h.expenseSvc.Delete(c.Request.Context(), c.Param("id"), callerID); err != nil {
		handleExpenseError(c, err)
		return
	}
	response.OK(c, nil)
}

// ListChangeLogs GET /api/v1/expenses/:id/change-logs
func (h *ExpenseHandler) ListChangeLogs(c *gin.Context) {
	var req dto.PaginationRequest
	if !bindQuery(c, &req, 15000) {
		return
	}

	list, total, err := h.expenseSvc.ListChangeLogs(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.OKPage(c, list, total, req.GetPage(), req.GetPageSize())
}

// ────────────────────── Receipt ──────────────────────

// UploadReceipt 上传票据文件，返回可填入明细的 receipt_key
// POST /api/v1/receipts  (multipart, 字段名 file)
func (h *ExpenseHandler) UploadReceipt(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(c, http.StatusRequestEntityTooLarge, 15009, "票据文件超过大小限制")
			return
		}
		response.BadRequest(c, 15000, "请上传票据文件")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, 15000, "无法读取上传文件")
		return
	}
	defer f.Close()

	result, err := h.expenseSvc.UploadReceipt(c.Request.Context(), f)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.Created(c, result)
}

// DownloadReceipt 流式返回票据文件
// GET /api/v1/receipts/*key
func (h *ExpenseHandler) DownloadReceipt(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		response.BadRequest(c, 15000, "票据 key 不能为空")
		return
	}

	rc, contentType, err := h.expenseSvc.OpenReceipt(c.Request.Context(), key)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "private, no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}

func handleExpenseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExpenseNotFound):
		response.NotFound(c, 15001, "报销记录不存在")
	case errors.Is(err, service.ErrVisitNotInTrial):
		response.BadRequest(c, 15002, "访视不属于该试验")
	case errors.Is(err, service.ErrVisitAlreadyRegistered):
		response.Conflict(c, 15003, "该患者在此访视已提交过报销")
	case errors.Is(err, service.ErrVisitOutOfSequence):
		response.Unprocessable(c, 15004, "需按访视顺序登记，请先完成之前的访视")
	case errors.Is(err, service.ErrInvalidVisitDate):
		response.BadRequest(c, 15005, "访视日期格式无效")
	case errors.Is(err, service.ErrNoExpenseItems):
		response.BadRequest(c, 15006, "至少需要一条报销明细")
	case errors.Is(err, service.ErrDuplicateCategory):
		response.BadRequest(c, 15007, "同一费用类别只能填写一条明细")
	case errors.Is(err, service.ErrReceiptNotFound):
		response.NotFound(c, 15008, "票据文件不存在")
	case errors.Is(err, service.ErrReceiptInUse):
		response.Conflict(c, 15011, "票据已被其他报销引用")
	case errors.Is(err, service.ErrReceiptTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, 15009, "票据文件超过大小限制")
	case errors.Is(err, service.ErrReceiptTypeNotAllowed):
		response.Error(c, http.StatusUnsupportedMediaType, 15010, "票据文件类型不支持")
	case errors.Is(err, service.ErrPatientNotFound),
		errors.Is(err, service.ErrPatientInactive):
		handlePatientError(c, err)
	default:
		handleTrialError(c, err)
	}
}
