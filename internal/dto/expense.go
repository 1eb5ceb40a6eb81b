package dto

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ── 报销模块 DTO ──

// ExpenseItemRequest 报销明细
type ExpenseItemRequest struct {
	Category   string          `json:"category"    binding:"required"`
	Cost       decimal.Decimal `json:"cost"`
	ReceiptKey *string         `json:"receipt_key" binding:"omitempty,max=255"`
}

// SubmitExpenseRequest 提交报销请求
type SubmitExpenseRequest struct {
	PatientID string               `json:"patient_id" binding:"required,uuid"`
	TrialID   string               `json:"trial_id"   binding:"required,uuid"`
	VisitType string               `json:"visit_type" binding:"required,max=100"`
	VisitDate string               `json:"visit_date" binding:"required,datetime=2006-01-02"`
	Notes     string               `json:"notes"      binding:"omitempty,max=2000"`
	Items     []ExpenseItemRequest `json:"items"      binding:"required,min=1,dive"`
}

// ReplaceExpenseRequest 整体替换报销内容（访视不可变）
type ReplaceExpenseRequest struct {
	VisitDate string               `json:"visit_date" binding:"required,datetime=2006-01-02"`
	Notes     string               `json:"notes"      binding:"omitempty,max=2000"`
	Items     []ExpenseItemRequest `json:"items"      binding:"required,min=1,dive"`
	Version   int                  `json:"version"    binding:"required,min=1"`
}

// ExpenseListRequest 报销列表查询参数
type ExpenseListRequest struct {
	PaginationRequest
	PatientID string `form:"patient_id" binding:"omitempty,uuid"`
	TrialID   string `form:"trial_id"   binding:"omitempty,uuid"`
	VisitType string `form:"visit_type" binding:"omitempty,max=100"`
	DateFrom  string `form:"date_from"  binding:"omitempty,datetime=2006-01-02"`
	DateTo    string `form:"date_to"    binding:"omitempty,datetime=2006-01-02"`
}

// ExpenseItemResponse 报销明细响应
type ExpenseItemResponse struct {
	ID               string          `json:"id"`
	Category         string          `json:"category"`
	Cost             decimal.Decimal `json:"cost"`
	ReimbursedAmount decimal.Decimal `json:"reimbursed_amount"`
	ReceiptKey       *string         `json:"receipt_key,omitempty"`
}

// ExpenseResponse 报销响应
type ExpenseResponse struct {
	ID              string                `json:"id"`
	PatientID       string                `json:"patient_id"`
	PatientCode     string                `json:"patient_code,omitempty"`
	PatientName     string                `json:"patient_name,omitempty"`
	TrialID         string                `json:"trial_id"`
	TrialName       string                `json:"trial_name,omitempty"`
	VisitType       string                `json:"visit_type"`
	VisitDate       string                `json:"visit_date"`
	Notes           string                `json:"notes,omitempty"`
	SubmittedBy     string                `json:"submitted_by"`
	TotalCost       decimal.Decimal       `json:"total_cost"`
	TotalReimbursed decimal.Decimal       `json:"total_reimbursed"`
	Items           []ExpenseItemResponse `json:"items"`
	Version         int                   `json:"version"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at"`
}

// ExpenseChangeLogResponse 报销变更日志响应
type ExpenseChangeLogResponse struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	ChangedBy string          `json:"changed_by"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt string          `json:"created_at"`
}

// ReceiptUploadResponse 票据上传响应
type ReceiptUploadResponse struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ReportRequest 报表导出参数
type ReportRequest struct {
	TrialID  string `form:"trial_id"  binding:"required,uuid"`
	DateFrom string `form:"date_from" binding:"omitempty,datetime=2006-01-02"`
	DateTo   string `form:"date_to"   binding:"omitempty,datetime=2006-01-02"`
}
