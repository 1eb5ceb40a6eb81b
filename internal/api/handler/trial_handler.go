package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"trialpay/internal/dto"
	"trialpay/internal/service"
	"trialpay/pkg/response"
)

// TrialHandler 试验、访视类型与费用标准 HTTP 处理器
type TrialHandler struct {
	trialSvc service.TrialService
	feeSvc   service.FeeScheduleService
}

// NewTrialHandler 创建 TrialHandler
func NewTrialHandler(trialSvc service.TrialService, feeSvc service.FeeScheduleService) *TrialHandler {
	return &TrialHandler{trialSvc: trialSvc, feeSvc: feeSvc}
}

// ────────────────────── Trial ──────────────────────

// CreateTrial POST /api/v1/trials
func (h *TrialHandler) CreateTrial(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.CreateTrialRequest
	if !bindJSON(c, &req, 14000) {
		return
	}
	trial, err := h.trialSvc.CreateTrial(c.Request.Context(), &req, callerID)
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.Created(c, trial)
}

// ListTrials GET /api/v1/trials
func (h *TrialHandler) ListTrials(c *gin.Context) {
	var req dto.TrialListRequest
	if !bindQuery(c, &req, 14000) {
		return
	}
	list, err := h.trialSvc.ListTrials(c.Request.Context(), &req)
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, gin.H{"list": list})
}

// GetTrial GET /api/v1/trials/:id
func (h *TrialHandler) GetTrial(c *gin.Context) {
	trial, err := h.trialSvc.GetTrial(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, trial)
}

// UpdateTrial PUT /api/v1/trials/:id
func (h *TrialHandler) UpdateTrial(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.UpdateTrialRequest
	if !bindJSON(c, &req, 14000) {
		return
	}
	trial, err := h.trialSvc.UpdateTrial(c.Request.Context(), c.Param("id"), &req, callerID)
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, trial)
}

// DeleteTrial DELETE /api/v1/trials/:id
func (h *TrialHandler) DeleteTrial(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	if err := h.trialSvc.DeleteTrial(c.Request.Context(), c.Param("id"), callerID); err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, nil)
}

// ────────────────────── VisitType ──────────────────────

// ListVisitTypes GET /api/v1/trials/:id/visit-types
func (h *TrialHandler) ListVisitTypes(c *gin.Context) {
	list, err := h.trialSvc.ListVisitTypes(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, gin.H{"list": list})
}

// CreateVisitType POST /api/v1/trials/:id/visit-types
func (h *TrialHandler) CreateVisitType(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.CreateVisitTypeRequest
	if !bindJSON(c, &req, 14000) {
		return
	}
	vt, err := h.trialSvc.CreateVisitType(c.Request.Context(), c.Param("id"), &req, callerID)
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.Created(c, vt)
}

// UpdateVisitType PUT /api/v1/trials/:id/visit-types/:vid
func (h *TrialHandler) UpdateVisitType(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.UpdateVisitTypeRequest
	if !bindJSON(c, &req, 14000) {
		return
	}
	vt, err := h.trialSvc.UpdateVisitType(c.Request.Context(), c.Param("id"), c.Param("vid"), &req, callerID)
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, vt)
}

// DeleteVisitType DELETE /api/v1/trials/:id/visit-types/:vid
func (h *TrialHandler) DeleteVisitType(c *gin.Context) {
	if err := h.trialSvc.DeleteVisitType(c.Request.Context(), c.Param("id"), c.Param("vid")); err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, nil)
}

// ────────────────────── FeeSchedule ──────────────────────

// ListFeeSchedules GET /api/v1/trials/:id/fee-schedules
func (h *TrialHandler) ListFeeSchedules(c *gin.Context) {
	list, err := h.feeSvc.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, gin.H{"list": list})
}

// UpsertFeeSchedule PUT /api/v1/trials/:id/fee-schedules
func (h *TrialHandler) UpsertFeeSchedule(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	var req dto.UpsertFeeScheduleRequest
	if !bindJSON(c, &req, 14000) {
		return
	}
	fs, err := h.feeSvc.Upsert(c.Request.Context(), c.Param("id"), &req, callerID)
	if err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, fs)
}

// DeleteFeeSchedule DELETE /api/v1/trials/:id/fee-schedules/:fid
func (h *TrialHandler) DeleteFeeSchedule(c *gin.Context) {
	if err := h.feeSvc.Delete(c.Request.Context(), c.Param("id"), c.Param("fid")); err != nil {
		handleTrialError(c, err)
		return
	}
	response.OK(c, nil)
}

func handleTrialError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTrialNotFound):
		response.NotFound(c, 14001, "试验不存在")
	case errors.Is(err, service.ErrTrialNameExists):
		response.Conflict(c, 14002, "试验名称已存在")
	case errors.Is(err, service.ErrTrialInactive):
		response.Unprocessable(c, 14003, "试验已停用")
	case errors.Is(err, service.ErrVisitTypeNotFound):
		response.NotFound(c, 14004, "访视类型不存在")
	case errors.Is(err, service.ErrVisitOrderConflict):
		response.Conflict(c, 14005, "该试验下访视序号已存在")
	case errors.Is(err, service.ErrVisitNameConflict):
		response.Conflict(c, 14006, "该试验下访视名称已存在")
	case errors.Is(err, service.ErrVisitConflict):
		response.Conflict(c, 14011, "访视序号或名称与现有访视冲突")
	case errors.Is(err, service.ErrVisitTypeInUse):
		response.Conflict(c, 14007, "访视已有报销记录，不能修改名称或删除")
	case errors.Is(err, service.ErrFeeScheduleNotFound):
		response.NotFound(c, 14008, "费用标准不存在")
	case errors.Is(err, service.ErrInvalidCategory):
		response.BadRequest(c, 14009, "费用类别无效")
	case errors.Is(err, service.ErrInvalidAmount):
		response.BadRequest(c, 14010, "金额无效")
	default:
		handleCommonError(c, err)
	}
}
