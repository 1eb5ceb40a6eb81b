package handler

import (
	"trialpay/config"
	"trialpay/internal/service"
)

// Handler 所有 Handler 的聚合入口
type Handler struct {
	Auth        *AuthHandler
	User        *UserHandler
	Patient     *PatientHandler
	Trial       *TrialHandler
	Eligibility *EligibilityHandler
	Expense     *ExpenseHandler
	Export      *ExportHandler
}

// NewHandler 创建 Handler 聚合
func NewHandler(svc *service.Service, cfg *config.Config) *Handler {
	return &Handler{
		Auth:        NewAuthHandler(svc.Auth, cfg.Auth),
		User:        NewUserHandler(svc.User),
		Patient:     NewPatientHandler(svc.Patient, svc.Export),
		Trial:       NewTrialHandler(svc.Trial, svc.FeeSchedule),
		Eligibility: NewEligibilityHandler(svc.Eligibility),
		Expense:     NewExpenseHandler(svc.Expense),
		Export:      NewExportHandler(svc.Export),
	}
}
