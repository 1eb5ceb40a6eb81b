package model

// 患者状态
const (
	PatientStatusActive   = "active"
	PatientStatusInactive = "inactive"
)

// Patient 患者表，对应 patients
type Patient struct {
	PatientID string `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"patient_id"`
	Code      string `gorm:"type:varchar(50);not null"                      json:"code"`
	FirstName string `gorm:"type:varchar(100);not null"                     json:"first_name"`
	LastName  string `gorm:"type:varchar(100);not null"                     json:"last_name"`
	Phone     string `gorm:"type:varchar(30)"                               json:"phone,omitempty"`
	Status    string `gorm:"type:varchar(20);not null;default:'active'"     json:"status"`
	Notes     string `gorm:"type:text"                                      json:"notes,omitempty"`
	VersionedModel
}

// TableName 指定表名
func (Patient) TableName() string { return "patients" }

// FullName 姓名
func (p *Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

// IsActive 是否处于活跃状态
func (p *Patient) IsActive() bool { return p.Status == PatientStatusActive }
