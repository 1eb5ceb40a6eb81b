package dto

// VisitOption 访视可选性记录
// IsCompleted 表示该患者在该试验下已提交过该访视的报销
// IsSelectable 表示按当前访视顺序策略可以登记该访视
type VisitOption struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OrderNumber  int    `json:"order_number"`
	IsCompleted  bool   `json:"is_completed"`
	IsSelectable bool   `json:"is_selectable"`
}

// EligibilityRequest 访视可选性查询参数
type EligibilityRequest struct {
	PatientID string `form:"patient_id" binding:"required,uuid"`
	TrialID   string `form:"trial_id"   binding:"required,uuid"`
}

// CanRegisterResponse 单个访视是否可登记
type CanRegisterResponse struct {
	VisitType   string `json:"visit_type"`
	CanRegister bool   `json:"can_register"`
}
