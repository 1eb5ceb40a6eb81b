package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trialpay/internal/model"
)

// FeeScheduleRepository 费用标准数据访问接口
type FeeScheduleRepository interface {
	ListByTrial(ctx context.Context, trialID string) ([]model.FeeSchedule, error)
	GetByID(ctx context.Context, id string) (*model.FeeSchedule, error)
	// Upsert 按 (trial_id, category) 插入或更新上限
	Upsert(ctx context.Context, fs *model.FeeSchedule) error
	Delete(ctx context.Context, id string) error
}

type feeScheduleRepo struct {
	db *gorm.DB
}

// NewFeeScheduleRepo 创建 FeeScheduleRepository 实例
func NewFeeScheduleRepo(db *gorm.DB) FeeScheduleRepository {
	return &feeScheduleRepo{db: db}
}

func (r *feeScheduleRepo) ListByTrial(ctx context.Context, trialID string) ([]model.FeeSchedule, error) {
	var list []model.FeeSchedule
	err := r.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("category ASC").
		Find(&list).Error
	return list, err
}

func (r *feeScheduleRepo) GetByID(ctx context.Context, id string) (*model.FeeSchedule, error) {
	var fs model.FeeSchedule
	err := r.db.WithContext(ctx).
		Where("fee_schedule_id = ?", id).
		First(&fs).Error
	if err != nil {
		return nil, err
	}
	return &fs, nil
}

func (r *feeScheduleRepo) Upsert(ctx context.Context, fs *model.FeeSchedule) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "trial_id"}, {Name: "category"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"max_amount": fs.MaxAmount,
				"updated_by": fs.UpdatedBy,
				"updated_at": gorm.Expr("NOW()"),
			}),
		}).
		Create(fs).Error
}

func (r *feeScheduleRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Where("fee_schedule_id = ?", id).
		Delete(&model.FeeSchedule{}).Error
}
