package repository

import (
	"context"

	"gorm.io/gorm"

	"trialpay/internal/model"
	pkgerrors "trialpay/pkg/errors"
)

// PatientListFilters 患者列表筛选条件
type PatientListFilters struct {
	Status  string
	Keyword string // 匹配编号或姓名
}

// PatientRepository 患者数据访问接口
type PatientRepository interface {
	Create(ctx context.Context, patient *model.Patient) error
	GetByID(ctx context.Context, id string) (*model.Patient, error)
	GetByCode(ctx context.Context, code string) (*model.Patient, error)
	Update(ctx context.Context, patient *model.Patient) error
	ListWithFilters(ctx context.Context, filters *PatientListFilters, offset, limit int) ([]model.Patient, int64, error)
	Delete(ctx context.Context, id string, deletedBy string) error
}

type patientRepo struct {
	db *gorm.DB
}

// NewPatientRepo 创建 PatientRepository 实例
func NewPatientRepo(db *gorm.DB) PatientRepository {
	return &patientRepo{db: db}
}

func (r *patientRepo) Create(ctx context.Context, patient *model.Patient) error {
	return r.db.WithContext(ctx).Create(patient).Error
}

func (r *patientRepo) GetByID(ctx context.Context, id string) (*model.Patient, error) {
	var patient model.Patient
	err := r.db.WithContext(ctx).
		Where("patient_id = ?", id).
		First(&patient).Error
	if err != nil {
		return nil, err
	}
	return &patient, nil
}

func (r *patientRepo) GetByCode(ctx context.Context, code string) (*model.Patient, error) {
	var patient model.Patient
	err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&patient).Error
	if err != nil {
		return nil, err
	}
	return &patient, nil
}

func (r *patientRepo) Update(ctx context.Context, patient *model.Patient) error {
	oldVersion := patient.Version
	result := r.db.WithContext(ctx).
		Model(&model.Patient{}).
		Where("patient_id = ? AND version = ?", patient.PatientID, oldVersion).
		Updates(map[string]interface{}{
			"code":       patient.Code,
			"first_name": patient.FirstName,
			"last_name":  patient.LastName,
			"phone":      patient.Phone,
			"status":     patient.Status,
			"notes":      patient.Notes,
			"updated_by": patient.UpdatedBy,
			"updated_at": gorm.Expr("NOW()"),
			"version":    oldVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrOptimisticLock
	}
	patient.Version = oldVersion + 1
	return nil
}

func (r *patientRepo) ListWithFilters(ctx context.Context, filters *PatientListFilters, offset, limit int) ([]model.Patient, int64, error) {
	var patients []model.Patient
	var total int64

	db := r.db.WithContext(ctx).Model(&model.Patient{})
	if filters != nil {
		if filters.Status != "" {
			db = db.Where("status = ?", filters.Status)
		}
		if filters.Keyword != "" {
			like := "%" + filters.Keyword + "%"
			db = db.Where("code ILIKE ? OR first_name ILIKE ? OR last_name ILIKE ?", like, like, like)
		}
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Offset(offset).Limit(limit).
		Order("code ASC").
		Find(&patients).Error; err != nil {
		return nil, 0, err
	}
	return patients, total, nil
}

func (r *patientRepo) Delete(ctx context.Context, id string, deletedBy string) error {
	return r.db.WithContext(ctx).
		Model(&model.Patient{}).
		Where("patient_id = ?", id).
		Updates(map[string]interface{}{
			"deleted_by": deletedBy,
			"deleted_at": gorm.Expr("NOW()"),
		}).Error
}
