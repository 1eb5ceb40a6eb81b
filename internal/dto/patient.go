package dto

// ── 患者模块 DTO ──

// CreatePatientRequest 创建患者请求
type CreatePatientRequest struct {
	Code      string `json:"code"       binding:"required,max=50"`
	FirstName string `json:"first_name" binding:"required,max=100"`
	LastName  string `json:"last_name"  binding:"required,max=100"`
	Phone     string `json:"phone"      binding:"omitempty,max=30"`
	Notes     string `json:"notes"      binding:"omitempty,max=2000"`
}

// UpdatePatientRequest 更新患者请求（仅更新非 nil 字段）
type UpdatePatientRequest struct {
	Code      *string `json:"code"       binding:"omitempty,max=50"`
	FirstName *string `json:"first_name" binding:"omitempty,max=100"`
	LastName  *string `json:"last_name"  binding:"omitempty,max=100"`
	Phone     *string `json:"phone"      binding:"omitempty,max=30"`
	Status    *string `json:"status"     binding:"omitempty,oneof=active inactive"`
	Notes     *string `json:"notes"      binding:"omitempty,max=2000"`
	Version   int     `json:"version"    binding:"required,min=1"`
}

// PatientListRequest 患者列表查询参数
type PatientListRequest struct {
	PaginationRequest
	Status  string `form:"status"  binding:"omitempty,oneof=active inactive"`
	Keyword string `form:"keyword" binding:"omitempty,max=50"`
}

// PatientResponse 患者信息响应
type PatientResponse struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name"`
	Phone     string `json:"phone,omitempty"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
}

// ImportPatientResponse 批量导入患者响应
type ImportPatientResponse struct {
	Total   int                  `json:"total"`
	Success int                  `json:"success"`
	Failed  int                  `json:"failed"`
	Errors  []ImportPatientError `json:"errors,omitempty"`
}

// ImportPatientError 导入错误详情
type ImportPatientError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}
