package model

import (
	"time"

	"gorm.io/datatypes"
)

// 报销变更动作
const (
	ExpenseActionCreate  = "create"
	ExpenseActionReplace = "replace"
	ExpenseActionDelete  = "delete"
)

// ExpenseChangeLog 报销变更日志表，对应 expense_change_logs（只追加）
// Snapshot 保存动作完成后（delete 为删除前）的完整报销 JSON
type ExpenseChangeLog struct {
	LogID            string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"log_id"`
	PatientExpenseID string         `gorm:"type:uuid;not null"                             json:"patient_expense_id"`
	Action           string         `gorm:"type:varchar(20);not null"                      json:"action"`
	Snapshot         datatypes.JSON `gorm:"type:jsonb;not null"                            json:"snapshot"`
	ChangedBy        string         `gorm:"type:uuid;not null"                             json:"changed_by"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"created_at"`
}

// TableName 指定表名
func (ExpenseChangeLog) TableName() string { return "expense_change_logs" }
