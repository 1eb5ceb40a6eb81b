package handler

import (
	"github.com/gin-gonic/gin"

	"trialpay/internal/dto"
	"trialpay/internal/service"
	"trialpay/pkg/response"
)

// EligibilityHandler 访视可选性 HTTP 处理器
type EligibilityHandler struct {
	eligibilitySvc service.EligibilityService
}

// NewEligibilityHandler 创建 EligibilityHandler
func NewEligibilityHandler(eligibilitySvc service.EligibilityService) *EligibilityHandler {
	return &EligibilityHandler{eligibilitySvc: eligibilitySvc}
}

// ListVisitOptions 返回试验全部访视及该患者的完成状态
// GET /api/v1/eligibility/visits?patient_id=&trial_id=
func (h *EligibilityHandler) ListVisitOptions(c *gin.Context) {
	var req dto.EligibilityRequest
	if !bindQuery(c, &req, 15000) {
		return
	}

	options, err := h.eligibilitySvc.Resolve(c.Request.Context(), req.PatientID, req.TrialID)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.OK(c, gin.H{"list": options})
}

// CanRegister 判断单个访视当前是否可登记
// GET /api/v1/eligibility/visits/can-register?patient_id=&trial_id=&visit_type=
func (h *EligibilityHandler) CanRegister(c *gin.Context) {
	var req dto.EligibilityRequest
	if !bindQuery(c, &req, 15000) {
		return
	}
	visit := c.Query("visit_type")
	if visit == "" {
		response.BadRequest(c, 15000, "visit_type 不能为空")
		return
	}

	ok, err := h.eligibilitySvc.CanRegisterVisit(c.Request.Context(), req.PatientID, req.TrialID, visit)
	if err != nil {
		handleExpenseError(c, err)
		return
	}
	response.OK(c, dto.CanRegisterResponse{VisitType: visit, CanRegister: ok})
}
