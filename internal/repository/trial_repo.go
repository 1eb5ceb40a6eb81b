package repository

import (
	"context"

	"gorm.io/gorm"

	"trialpay/internal/model"
	pkgerrors "trialpay/pkg/errors"
)

// TrialRepository 临床试验数据访问接口
type TrialRepository interface {
	Create(ctx context.Context, trial *model.Trial) error
	GetByID(ctx context.Context, id string) (*model.Trial, error)
	GetByName(ctx context.Context, name string) (*model.Trial, error)
	List(ctx context.Context, includeInactive bool) ([]model.Trial, error)
	Update(ctx context.Context, trial *model.Trial) error
	Delete(ctx context.Context, id string, deletedBy string) error
}

// VisitTypeRepository 访视类型数据访问接口
type VisitTypeRepository interface {
	Create(ctx context.Context, vt *model.VisitType) error
	GetByID(ctx context.Context, id string) (*model.VisitType, error)
	// ListByTrial 按 order_number 升序返回试验的全部访视类型
	ListByTrial(ctx context.Context, trialID string) ([]model.VisitType, error)
	Update(ctx context.Context, vt *model.VisitType) error
	Delete(ctx context.Context, id string) error
}

// ── Trial Repository 实现 ──

type trialRepo struct {
	db *gorm.DB
}

// NewTrialRepo 创建 TrialRepository 实例
func NewTrialRepo(db *gorm.DB) TrialRepository {
	return &trialRepo{db: db}
}

func (r *trialRepo) Create(ctx context.Context, trial *model.Trial) error {
	return r.db.WithContext(ctx).Omit("VisitTypes").Create(trial).Error
}

func (r *trialRepo) GetByID(ctx context.Context, id string) (*model.Trial, error) {
	var trial model.Trial
	err := r.db.WithContext(ctx).
		Preload("VisitTypes", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_number ASC")
		}).
		Where("trial_id = ?", id).
		First(&trial).Error
	if err != nil {
		return nil, err
	}
	return &trial, nil
}

func (r *trialRepo) GetByName(ctx context.Context, name string) (*model.Trial, error) {
	var trial model.Trial
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		First(&trial).Error
	if err != nil {
		return nil, err
	}
	return &trial, nil
}

func (r *trialRepo) List(ctx context.Context, includeInactive bool) ([]model.Trial, error) {
	var trials []model.Trial
	db := r.db.WithContext(ctx)
	if !includeInactive {
		db = db.Where("is_active = ?", true)
	}
	err := db.Order("name ASC").Find(&trials).Error
	return trials, err
}

func (r *trialRepo) Update(ctx context.Context, trial *model.Trial) error {
	oldVersion := trial.Version
	result := r.db.WithContext(ctx).
		Model(&model.Trial{}).
		Where("trial_id = ? AND version = ?", trial.TrialID, oldVersion).
		Updates(map[string]interface{}{
			"name":       trial.Name,
			"sponsor":    trial.Sponsor,
			"is_active":  trial.IsActive,
			"updated_by": trial.UpdatedBy,
			"updated_at": gorm.Expr("NOW()"),
			"version":    oldVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrOptimisticLock
	}
	trial.Version = oldVersion + 1
	return nil
}

func (r *trialRepo) Delete(ctx context.Context, id string, deletedBy string) error {
	return r.db.WithContext(ctx).
		Model(&model.Trial{}).
		Where("trial_id = ?", id).
		Updates(map[string]interface{}{
			"is_active":  false,
			"deleted_by": deletedBy,
			"deleted_at": gorm.Expr("NOW()"),
		}).Error
}

// ── VisitType Repository 实现 ──

type visitTypeRepo struct {
	db *gorm.DB
}

// NewVisitTypeRepo 创建 VisitTypeRepository 实例
func NewVisitTypeRepo(db *gorm.DB) VisitTypeRepository {
	return &visitTypeRepo{db: db}
}

func (r *visitTypeRepo) Create(ctx context.Context, vt *model.VisitType) error {
	return r.db.WithContext(ctx).Create(vt).Error
}

func (r *visitTypeRepo) GetByID(ctx context.Context, id string) (*model.VisitType, error) {
	var vt model.VisitType
	err := r.db.WithContext(ctx).
		Where("visit_type_id = ?", id).
		First(&vt).Error
	if err != nil {
		return nil, err
	}
	return &vt, nil
}

func (r *visitTypeRepo) ListByTrial(ctx context.Context, trialID string) ([]model.VisitType, error) {
	var vts []model.VisitType
	err := r.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("order_number ASC").
		Find(&vts).Error
	return vts, err
}

func (r *visitTypeRepo) Update(ctx context.Context, vt *model.VisitType) error {
	return r.db.WithContext(ctx).
		Model(&model.VisitType{}).
		Where("visit_type_id = ?", vt.VisitTypeID).
		Updates(map[string]interface{}{
			"name":         vt.Name,
			"order_number": vt.OrderNumber,
			"updated_by":   vt.UpdatedBy,
			"updated_at":   gorm.Expr("NOW()"),
		}).Error
}

func (r *visitTypeRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Where("visit_type_id = ?", id).
		Delete(&model.VisitType{}).Error
}
