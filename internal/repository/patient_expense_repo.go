package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"trialpay/internal/model"
	pkgerrors "trialpay/pkg/errors"
)

// ExpenseListFilters 报销列表筛选条件
type ExpenseListFilters struct {
	PatientID string
	TrialID   string
	VisitType string
	DateFrom  *time.Time
	DateTo    *time.Time
}

// PatientExpenseRepository 报销提交数据访问接口
type PatientExpenseRepository interface {
	Create(ctx context.Context, expense *model.PatientExpense) error
	GetByID(ctx context.Context, id string) (*model.PatientExpense, error)
	// ListVisitNames 返回患者在试验下已提交报销的访视名称
	ListVisitNames(ctx context.Context, patientID, trialID string) ([]string, error)
	ListWithFilters(ctx context.Context, filters *ExpenseListFilters, offset, limit int) ([]model.PatientExpense, int64, error)
	// ListForReport 返回报表所需的全部报销（含明细与患者），按访视日期升序
	ListForReport(ctx context.Context, filters *ExpenseListFilters) ([]model.PatientExpense, error)
	Update(ctx context.Context, expense *model.PatientExpense) error
	Delete(ctx context.Context, id string) error
}

// ExpenseItemRepository 报销明细数据访问接口
type ExpenseItemRepository interface {
	BatchCreate(ctx context.Context, items []model.ExpenseItem) error
	ListByExpense(ctx context.Context, expenseID string) ([]model.ExpenseItem, error)
	DeleteByExpense(ctx context.Context, expenseID string) error
	// ReceiptKeyInUse 票据是否已被其他报销引用，excludeExpenseID 为空时不排除
	ReceiptKeyInUse(ctx context.Context, key, excludeExpenseID string) (bool, error)
}

// ExpenseChangeLogRepository 报销变更日志数据访问接口
type ExpenseChangeLogRepository interface {
	Create(ctx context.Context, log *model.ExpenseChangeLog) error
	ListByExpense(ctx context.Context, expenseID string, offset, limit int) ([]model.ExpenseChangeLog, int64, error)
}

// ── PatientExpense Repository 实现 ──

type patientExpenseRepo struct {
	db *gorm.DB
}

// NewPatientExpenseRepo 创建 PatientExpenseRepository 实例
func NewPatientExpenseRepo(db *gorm.DB) PatientExpenseRepository {
	return &patientExpenseRepo{db: db}
}

// Create 仅写入主表，明细由 ExpenseItemRepository 写入
func (r *patientExpenseRepo) Create(ctx context.Context, expense *model.PatientExpense) error {
	return r.db.WithContext(ctx).
		Omit("Patient", "Trial", "Items").
		Create(expense).Error
}

func (r *patientExpenseRepo) GetByID(ctx context.Context, id string) (*model.PatientExpense, error) {
	var expense model.PatientExpense
	err := r.db.WithContext(ctx).
		Preload("Patient").
		Preload("Trial").
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("category ASC")
		}).
		Where("patient_expense_id = ?", id).
		First(&expense).Error
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (r *patientExpenseRepo) ListVisitNames(ctx context.Context, patientID, trialID string) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Model(&model.PatientExpense{}).
		Where("patient_id = ? AND trial_id = ?", patientID, trialID).
		Pluck("visit_type", &names).Error
	return names, err
}

func (r *patientExpenseRepo) applyFilters(db *gorm.DB, filters *ExpenseListFilters) *gorm.DB {
	if filters == nil {
		return db
	}
	if filters.PatientID != "" {
		db = db.Where("patient_id = ?", filters.PatientID)
	}
	if filters.TrialID != "" {
		db = db.Where("trial_id = ?", filters.TrialID)
	}
	if filters.VisitType != "" {
		db = db.Where("visit_type = ?", filters.VisitType)
	}
	if filters.DateFrom != nil {
		db = db.Where("visit_date >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		db = db.Where("visit_date <= ?", *filters.DateTo)
	}
	return db
}

func (r *patientExpenseRepo) ListWithFilters(ctx context.Context, filters *ExpenseListFilters, offset, limit int) ([]model.PatientExpense, int64, error) {
	var list []model.PatientExpense
	var total int64

	db := r.applyFilters(r.db.WithContext(ctx).Model(&model.PatientExpense{}), filters)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Preload("Patient").
		Preload("Trial").
		Preload("Items").
		Offset(offset).Limit(limit).
		Order("visit_date DESC, created_at DESC").
		Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r *patientExpenseRepo) ListForReport(ctx context.Context, filters *ExpenseListFilters) ([]model.PatientExpense, error) {
	var list []model.PatientExpense
	err := r.applyFilters(r.db.WithContext(ctx).Model(&model.PatientExpense{}), filters).
		Preload("Patient", func(db *gorm.DB) *gorm.DB {
			return db.Unscoped()
		}).
		Preload("Trial", func(db *gorm.DB) *gorm.DB {
			return db.Unscoped()
		}).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("category ASC")
		}).
		Order("visit_date ASC, created_at ASC").
		Find(&list).Error
	return list, err
}

// Update 乐观锁更新：访视（患者、试验、访视名称）不可修改
func (r *patientExpenseRepo) Update(ctx context.Context, expense *model.PatientExpense) error {
	oldVersion := expense.Version
	result := r.db.WithContext(ctx).
		Model(&model.PatientExpense{}).
		Where("patient_expense_id = ? AND version = ?", expense.PatientExpenseID, oldVersion).
		Updates(map[string]interface{}{
			"visit_date":       expense.VisitDate,
			"notes":            expense.Notes,
			"total_cost":       expense.TotalCost,
			"total_reimbursed": expense.TotalReimbursed,
			"updated_by":       expense.UpdatedBy,
			"updated_at":       gorm.Expr("NOW()"),
			"version":          oldVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrOptimisticLock
	}
	expense.Version = oldVersion + 1
	return nil
}

// Delete 物理删除，明细由外键级联删除
func (r *patientExpenseRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Where("patient_expense_id = ?", id).
		Delete(&model.PatientExpense{}).Error
}

// ── ExpenseItem Repository 实现 ──

type expenseItemRepo struct {
	db *gorm.DB
}

// NewExpenseItemRepo 创建 ExpenseItemRepository 实例
func NewExpenseItemRepo(db *gorm.DB) ExpenseItemRepository {
	return &expenseItemRepo{db: db}
}

func (r *expenseItemRepo) BatchCreate(ctx context.Context, items []model.ExpenseItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

func (r *expenseItemRepo) ListByExpense(ctx context.Context, expenseID string) ([]model.ExpenseItem, error) {
	var items []model.ExpenseItem
	err := r.db.WithContext(ctx).
		Where("patient_expense_id = ?", expenseID).
		Order("category ASC").
		Find(&items).Error
	return items, err
}

func (r *expenseItemRepo) DeleteByExpense(ctx context.Context, expenseID string) error {
	return r.db.WithContext(ctx).
		Where("patient_expense_id = ?", expenseID).
		Delete(&model.ExpenseItem{}).Error
}

func (r *expenseItemRepo) ReceiptKeyInUse(ctx context.Context, key, excludeExpenseID string) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&model.ExpenseItem{}).
		Where("receipt_key = ?", key)
	if excludeExpenseID != "" {
		q = q.Where("patient_expense_id <> ?", excludeExpenseID)
	}
	var count int64
	err := q.Count(&count).Error
	return count > 0, err
}

// ── ExpenseChangeLog Repository 实现 ──

type expenseChangeLogRepo struct {
	db *gorm.DB
}

// NewExpenseChangeLogRepo 创建 ExpenseChangeLogRepository 实例
func NewExpenseChangeLogRepo(db *gorm.DB) ExpenseChangeLogRepository {
	return &expenseChangeLogRepo{db: db}
}

func (r *expenseChangeLogRepo) Create(ctx context.Context, log *model.ExpenseChangeLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *expenseChangeLogRepo) ListByExpense(ctx context.Context, expenseID string, offset, limit int) ([]model.ExpenseChangeLog, int64, error) {
	var logs []model.ExpenseChangeLog
	var total int64

	db := r.db.WithContext(ctx).
		Model(&model.ExpenseChangeLog{}).
		Where("patient_expense_id = ?", expenseID)

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
