package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trialpay/internal/model"
)

// UserPermissionRepository 用户能力授权数据访问接口
type UserPermissionRepository interface {
	ListCapabilities(ctx context.Context, userID string) ([]string, error)
	// Replace 删除用户全部授权后重新写入，调用方负责放在事务内
	Replace(ctx context.Context, userID string, capabilities []string, grantedBy string) error
	Grant(ctx context.Context, userID string, capabilities []string, grantedBy string) error
}

type userPermissionRepo struct {
	db *gorm.DB
}

// NewUserPermissionRepo 创建 UserPermissionRepository 实例
func NewUserPermissionRepo(db *gorm.DB) UserPermissionRepository {
	return &userPermissionRepo{db: db}
}

func (r *userPermissionRepo) ListCapabilities(ctx context.Context, userID string) ([]string, error) {
	var caps []string
	err := r.db.WithContext(ctx).
		Model(&model.UserPermission{}).
		Where("user_id = ?", userID).
		Order("capability ASC").
		Pluck("capability", &caps).Error
	return caps, err
}

func (r *userPermissionRepo) Replace(ctx context.Context, userID string, capabilities []string, grantedBy string) error {
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&model.UserPermission{}).Error; err != nil {
		return err
	}
	return r.Grant(ctx, userID, capabilities, grantedBy)
}

// Grant 追加授权，已存在的授权保持不变
func (r *userPermissionRepo) Grant(ctx context.Context, userID string, capabilities []string, grantedBy string) error {
	if len(capabilities) == 0 {
		return nil
	}
	rows := make([]model.UserPermission, 0, len(capabilities))
	for _, c := range capabilities {
		p := model.UserPermission{UserID: userID, Capability: c}
		if grantedBy != "" {
			by := grantedBy
			p.CreatedBy = &by
		}
		rows = append(rows, p)
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}
