package model

// 用户角色
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// User 用户表，对应 users
type User struct {
	UserID             string `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"user_id"`
	Name               string `gorm:"type:varchar(100);not null"                     json:"name"`
	Email              string `gorm:"type:varchar(255);not null"                     json:"email"`
	PasswordHash       string `gorm:"type:varchar(255);not null"                     json:"-"`
	Role               string `gorm:"type:varchar(20);not null;default:'operator'"   json:"role"`
	IsActive           bool   `gorm:"not null;default:true"                          json:"is_active"`
	MustChangePassword bool   `gorm:"not null;default:false"                         json:"must_change_password"`
	VersionedModel

	// 关联
	Permissions []UserPermission `gorm:"foreignKey:UserID;references:UserID" json:"permissions,omitempty"`
}

// TableName 指定表名
func (User) TableName() string { return "users" }

// IsAdmin 是否管理员
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
