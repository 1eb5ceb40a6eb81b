package dto

import "github.com/shopspring/decimal"

// ── 试验 / 访视类型 / 费用标准 DTO ──

// CreateTrialRequest 创建试验请求
type CreateTrialRequest struct {
	Name    string `json:"name"    binding:"required,max=100"`
	Sponsor string `json:"sponsor" binding:"omitempty,max=200"`
}

// UpdateTrialRequest 更新试验请求
type UpdateTrialRequest struct {
	Name     *string `json:"name"      binding:"omitempty,max=100"`
	Sponsor  *string `json:"sponsor"   binding:"omitempty,max=200"`
	IsActive *bool   `json:"is_active"`
	Version  int     `json:"version"   binding:"required,min=1"`
}

// TrialListRequest 试验列表查询参数
type TrialListRequest struct {
	IncludeInactive bool `form:"include_inactive"`
}

// TrialResponse 试验响应
type TrialResponse struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Sponsor    string              `json:"sponsor"`
	IsActive   bool                `json:"is_active"`
	Version    int                 `json:"version"`
	VisitTypes []VisitTypeResponse `json:"visit_types,omitempty"`
}

// CreateVisitTypeRequest 创建访视类型请求
type CreateVisitTypeRequest struct {
	Name        string `json:"name"         binding:"required,max=100"`
	OrderNumber int    `json:"order_number" binding:"required,min=1"`
}

// UpdateVisitTypeRequest 更新访视类型请求
type UpdateVisitTypeRequest struct {
	Name        *string `json:"name"         binding:"omitempty,max=100"`
	OrderNumber *int    `json:"order_number" binding:"omitempty,min=1"`
}

// VisitTypeResponse 访视类型响应
type VisitTypeResponse struct {
	ID          string `json:"id"`
	TrialID     string `json:"trial_id"`
	Name        string `json:"name"`
	OrderNumber int    `json:"order_number"`
}

// UpsertFeeScheduleRequest 设置费用类别上限
type UpsertFeeScheduleRequest struct {
	Category  string          `json:"category"   binding:"required"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

// FeeScheduleResponse 费用标准响应
type FeeScheduleResponse struct {
	ID        string          `json:"id"`
	TrialID   string          `json:"trial_id"`
	Category  string          `json:"category"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}
