package model

import "github.com/shopspring/decimal"

// FeeSchedule 试验费用标准表，对应 fee_schedules
// 每个试验每个费用类别一条，MaxAmount 为单次访视该类别的报销上限
type FeeSchedule struct {
	FeeScheduleID string          `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"fee_schedule_id"`
	TrialID       string          `gorm:"type:uuid;not null"                             json:"trial_id"`
	Category      string          `gorm:"type:varchar(20);not null"                      json:"category"`
	MaxAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null"                    json:"max_amount"`
	BaseModel
}

// TableName 指定表名
func (FeeSchedule) TableName() string { return "fee_schedules" }
