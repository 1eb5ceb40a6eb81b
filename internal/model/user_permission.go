package model

import "time"

// UserPermission 用户能力授权表，对应 user_permissions
// Capability 存储 authz.Capability 的字符串形式，写入前必须经过 authz.ParseCapability 校验
type UserPermission struct {
	UserID     string    `gorm:"type:uuid;primaryKey"                json:"user_id"`
	Capability string    `gorm:"type:varchar(50);primaryKey"         json:"capability"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"  json:"created_at"`
	CreatedBy  *string   `gorm:"type:uuid"                           json:"created_by,omitempty"`
}

// TableName 指定表名
func (UserPermission) TableName() string { return "user_permissions" }
