package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 费用类别（封闭集合）
const (
	CategoryTransport     = "transport"
	CategoryTrip1         = "trip1"
	CategoryTrip2         = "trip2"
	CategoryTrip3         = "trip3"
	CategoryTrip4         = "trip4"
	CategoryFood          = "food"
	CategoryAccommodation = "accommodation"
)

// ExpenseCategories 全部费用类别，顺序即报表列顺序
var ExpenseCategories = []string{
	CategoryTransport,
	CategoryTrip1,
	CategoryTrip2,
	CategoryTrip3,
	CategoryTrip4,
	CategoryFood,
	CategoryAccommodation,
}

// IsValidExpenseCategory 判断类别是否属于封闭集合
func IsValidExpenseCategory(c string) bool {
	for _, v := range ExpenseCategories {
		if v == c {
			return true
		}
	}
	return false
}

// PatientExpense 患者报销提交表，对应 patient_expenses
// VisitType 按访视名称关联（非外键），(patient_id, trial_id, visit_type) 唯一
type PatientExpense struct {
	PatientExpenseID string          `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"patient_expense_id"`
	PatientID        string          `gorm:"type:uuid;not null"                             json:"patient_id"`
	TrialID          string          `gorm:"type:uuid;not null"                             json:"trial_id"`
	VisitType        string          `gorm:"type:varchar(100);not null"                     json:"visit_type"`
	VisitDate        time.Time       `gorm:"type:date;not null"                             json:"visit_date"`
	Notes            string          `gorm:"type:text"                                      json:"notes,omitempty"`
	SubmittedBy      string          `gorm:"type:uuid;not null"                             json:"submitted_by"`
	TotalCost        decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"          json:"total_cost"`
	TotalReimbursed  decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"          json:"total_reimbursed"`
	BaseModel
	Version int `gorm:"not null;default:1" json:"version"`

	// 关联
	Patient *Patient      `gorm:"foreignKey:PatientID;references:PatientID"               json:"patient,omitempty"`
	Trial   *Trial        `gorm:"foreignKey:TrialID;references:TrialID"                   json:"trial,omitempty"`
	Items   []ExpenseItem `gorm:"foreignKey:PatientExpenseID;references:PatientExpenseID" json:"items,omitempty"`
}

// TableName 指定表名
func (PatientExpense) TableName() string { return "patient_expenses" }

// ExpenseItem 报销明细表，对应 expense_items
type ExpenseItem struct {
	ExpenseItemID    string          `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"expense_item_id"`
	PatientExpenseID string          `gorm:"type:uuid;not null"                             json:"patient_expense_id"`
	Category         string          `gorm:"type:varchar(20);not null"                      json:"category"`
	ReceiptKey       *string         `gorm:"type:varchar(255)"                              json:"receipt_key,omitempty"`
	Cost             decimal.Decimal `gorm:"type:numeric(12,2);not null"                    json:"cost"`
	ReimbursedAmount decimal.Decimal `gorm:"type:numeric(12,2);not null"                    json:"reimbursed_amount"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"created_at"`
}

// TableName 指定表名
func (ExpenseItem) TableName() string { return "expense_items" }
