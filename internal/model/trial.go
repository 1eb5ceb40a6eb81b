package model

// Trial 临床试验表，对应 trials
type Trial struct {
	TrialID  string `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"trial_id"`
	Name     string `gorm:"type:varchar(100);not null"                     json:"name"`
	Sponsor  string `gorm:"type:varchar(200);not null;default:''"          json:"sponsor"`
	IsActive bool   `gorm:"not null;default:true"                          json:"is_active"`
	VersionedModel

	// 关联（按 order_number 升序加载）
	VisitTypes []VisitType `gorm:"foreignKey:TrialID;references:TrialID" json:"visit_types,omitempty"`
}

// TableName 指定表名
func (Trial) TableName() string { return "trials" }

// VisitType 访视类型表，对应 visit_types
// 同一试验内 order_number、name 均唯一；order_number 不要求连续
type VisitType struct {
	VisitTypeID string `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"visit_type_id"`
	TrialID     string `gorm:"type:uuid;not null"                             json:"trial_id"`
	Name        string `gorm:"type:varchar(100);not null"                     json:"name"`
	OrderNumber int    `gorm:"not null"                                       json:"order_number"`
	BaseModel
}

// TableName 指定表名
func (VisitType) TableName() string { return "visit_types" }
