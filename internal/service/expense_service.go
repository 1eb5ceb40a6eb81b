package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"trialpay/config"
	"trialpay/internal/dto"
	"trialpay/internal/model"
	"trialpay/internal/repository"
	pkgerrors "trialpay/pkg/errors"
	"trialpay/pkg/storage"
)

// ── 报销模块业务错误 ──

var (
	ErrExpenseNotFound        = errors.New("报销记录不存在")
	ErrVisitNotInTrial        = errors.New("访视不属于该试验")
	ErrVisitAlreadyRegistered = errors.New("该患者在此访视已提交过报销")
	ErrVisitOutOfSequence     = errors.New("需按访视顺序登记，请先完成之前的访视")
	ErrInvalidVisitDate       = errors.New("访视日期格式无效")
	ErrNoExpenseItems         = errors.New("至少需要一条报销明细")
	ErrDuplicateCategory      = errors.New("同一费用类别只能填写一条明细")
	ErrReceiptNotFound        = errors.New("票据文件不存在")
	ErrReceiptInUse           = errors.New("票据已被其他报销引用")
	ErrReceiptTooLarge        = errors.New("票据文件超过大小限制")
	ErrReceiptTypeNotAllowed  = errors.New("票据文件类型不支持")
)

const dateLayout = "2006-01-02"

// ExpenseService 报销提交业务接口
//
// 设计说明：
//   - 一次提交对应 (患者, 试验, 访视) 唯一的一条 PatientExpense 及其明细，同一事务内写入
//   - 提交前用 EligibilityService 预检访视可登记性；并发重复提交由数据库唯一约束兜底
//   - 编辑为整体替换：访视不变，明细先删后插，受 version 乐观锁保护
//   - 每次创建、替换、删除都写入一条变更日志快照
type ExpenseService interface {
	Submit(ctx context.Context, req *dto.SubmitExpenseRequest, callerID string) (*dto.ExpenseResponse, error)
	Replace(ctx context.Context, id string, req *dto.ReplaceExpenseRequest, callerID string) (*dto.ExpenseResponse, error)
	Get(ctx context.Context, id string) (*dto.ExpenseResponse, error)
	List(ctx context.Context, req *dto.ExpenseListRequest) ([]dto.ExpenseResponse, int64, error)
	Delete(ctx context.Context, id string, callerID string) error
	ListChangeLogs(ctx context.Context, id string, page *dto.PaginationRequest) ([]dto.ExpenseChangeLogResponse, int64, error)

	UploadReceipt(ctx context.Context, r io.Reader) (*dto.ReceiptUploadResponse, error)
	// OpenReceipt 返回票据内容与 Content-Type，调用方负责 Close
	OpenReceipt(ctx context.Context, key string) (io.ReadCloser, string, error)
}

type expenseService struct {
	repo        *repository.Repository
	eligibility EligibilityService
	blobs       storage.BlobStore
	storageCfg  config.StorageConfig
	logger      *zap.Logger
}

// NewExpenseService 创建 ExpenseService 实例
func NewExpenseService(
	repo *repository.Repository,
	eligibility EligibilityService,
	blobs storage.BlobStore,
	storageCfg config.StorageConfig,
	logger *zap.Logger,
) ExpenseService {
	return &expenseService{
		repo:        repo,
		eligibility: eligibility,
		blobs:       blobs,
		storageCfg:  storageCfg,
		logger:      logger,
	}
}

// ═══════════════════════════════════════════════════════════
// Submit 提交报销
// ═══════════════════════════════════════════════════════════

func (s *expenseService) Submit(ctx context.Context, req *dto.SubmitExpenseRequest, callerID string) (*dto.ExpenseResponse, error) {
	visitDate, err := time.Parse(dateLayout, req.VisitDate)
	if err != nil {
		return nil, ErrInvalidVisitDate
	}
	if err := s.validateItems(ctx, req.Items, ""); err != nil {
		return nil, err
	}

	// 1. 患者与试验必须存在且处于活跃状态
	patient, err := s.repo.Patient.GetByID(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPatientNotFound
		}
		s.logger.Error("查询患者失败", zap.String("id", req.PatientID), zap.Error(err))
		return nil, err
	}
	if !patient.IsActive() {
		return nil, ErrPatientInactive
	}

	trial, err := s.repo.Trial.GetByID(ctx, req.TrialID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrialNotFound
		}
		s.logger.Error("查询试验失败", zap.String("id", req.TrialID), zap.Error(err))
		return nil, err
	}
	if !trial.IsActive {
		return nil, ErrTrialInactive
	}

	// 2. 访视可登记性预检
	if err := s.checkVisit(ctx, req.PatientID, req.TrialID, req.VisitType); err != nil {
		return nil, err
	}

	// 3. 按费用标准计算报销金额
	items, err := s.buildItems(ctx, req.TrialID, req.Items)
	if err != nil {
		return nil, err
	}

	expense := &model.PatientExpense{
		PatientID:   req.PatientID,
		TrialID:     req.TrialID,
		VisitType:   req.VisitType,
		VisitDate:   visitDate,
		Notes:       req.Notes,
		SubmittedBy: callerID,
	}
	expense.SetCreator(callerID)
	applyTotals(expense, items)

	// 4. 主表、明细、变更日志同一事务写入
	err = s.repo.RunInTx(ctx, func(tx *repository.Repository) error {
		if err := tx.Expense.Create(ctx, expense); err != nil {
			return err
		}
		for i := range items {
			items[i].PatientExpenseID = expense.PatientExpenseID
		}
		if err := tx.ExpenseItem.BatchCreate(ctx, items); err != nil {
			return err
		}
		expense.Items = items
		return s.writeChangeLog(ctx, tx, expense, model.ExpenseActionCreate, callerID)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发提交同一访视或同一票据，唯一约束拒绝后到者
			if s.receiptClaimed(ctx, items, "") {
				return nil, ErrReceiptInUse
			}
			return nil, ErrVisitAlreadyRegistered
		}
		s.logger.Error("提交报销失败", zap.Error(err))
		return nil, err
	}

	s.logger.Info("提交报销",
		zap.String("expense_id", expense.PatientExpenseID),
		zap.String("patient_id", expense.PatientID),
		zap.String("trial_id", expense.TrialID),
		zap.String("visit_type", expense.VisitType),
		zap.String("total_reimbursed", expense.TotalReimbursed.StringFixed(2)),
	)

	return s.Get(ctx, expense.PatientExpenseID)
}

// ═══════════════════════════════════════════════════════════
// Replace 整体替换报销内容
// ═══════════════════════════════════════════════════════════

func (s *expenseService) Replace(ctx context.Context, id string, req *dto.ReplaceExpenseRequest, callerID string) (*dto.ExpenseResponse, error) {
	visitDate, err := time.Parse(dateLayout, req.VisitDate)
	if err != nil {
		return nil, ErrInvalidVisitDate
	}
	if err := s.validateItems(ctx, req.Items, id); err != nil {
		return nil, err
	}

	expense, err := s.getExpense(ctx, id)
	if err != nil {
		return nil, err
	}
	oldKeys := receiptKeys(expense.Items)

	items, err := s.buildItems(ctx, expense.TrialID, req.Items)
	if err != nil {
		return nil, err
	}

	expense.Version = req.Version
	expense.VisitDate = visitDate
	expense.Notes = req.Notes
	expense.UpdatedBy = &callerID
	applyTotals(expense, items)

	err = s.repo.RunInTx(ctx, func(tx *repository.Repository) error {
		if err := tx.Expense.Update(ctx, expense); err != nil {
			return err
		}
		if err := tx.ExpenseItem.DeleteByExpense(ctx, expense.PatientExpenseID); err != nil {
			return err
		}
		for i := range items {
			items[i].PatientExpenseID = expense.PatientExpenseID
		}
		if err := tx.ExpenseItem.BatchCreate(ctx, items); err != nil {
			return err
		}
		expense.Items = items
		return s.writeChangeLog(ctx, tx, expense, model.ExpenseActionReplace, callerID)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && s.receiptClaimed(ctx, items, id) {
			return nil, ErrReceiptInUse
		}
		if !errors.Is(err, pkgerrors.ErrOptimisticLock) {
			s.logger.Error("替换报销失败", zap.String("id", id), zap.Error(err))
		}
		return nil, err
	}

	// 不再被引用的票据在提交后清理
	s.removeReceipts(ctx, subtractKeys(oldKeys, receiptKeys(items)))

	return s.Get(ctx, id)
}

// ────────────────────── Get ──────────────────────

func (s *expenseService) Get(ctx context.Context, id string) (*dto.ExpenseResponse, error) {
	expense, err := s.getExpense(ctx, id)
	if err != nil {
		return nil, err
	}
	return toExpenseResponse(expense), nil
}

// ────────────────────── List ──────────────────────

func (s *expenseService) List(ctx context.Context, req *dto.ExpenseListRequest) ([]dto.ExpenseResponse, int64, error) {
	filters, err := expenseFilters(req.PatientID, req.TrialID, req.VisitType, req.DateFrom, req.DateTo)
	if err != nil {
		return nil, 0, err
	}

	list, total, err := s.repo.Expense.ListWithFilters(ctx, filters, req.GetOffset(), req.GetPageSize())
	if err != nil {
		s.logger.Error("列出报销失败", zap.Error(err))
		return nil, 0, err
	}

	result := make([]dto.ExpenseResponse, 0, len(list))
	for i := range list {
		result = append(result, *toExpenseResponse(&list[i]))
	}
	return result, total, nil
}

// ────────────────────── Delete ──────────────────────

func (s *expenseService) Delete(ctx context.Context, id string, callerID string) error {
	expense, err := s.getExpense(ctx, id)
	if err != nil {
		return err
	}

	err = s.repo.RunInTx(ctx, func(tx *repository.Repository) error {
		if err := s.writeChangeLog(ctx, tx, expense, model.ExpenseActionDelete, callerID); err != nil {
			return err
		}
		return tx.Expense.Delete(ctx, id)
	})
	if err != nil {
		s.logger.Error("删除报销失败", zap.String("id", id), zap.Error(err))
		return err
	}

	s.removeReceipts(ctx, receiptKeys(expense.Items))
	s.logger.Info("删除报销", zap.String("expense_id", id), zap.String("by", callerID))
	return nil
}

// ────────────────────── ListChangeLogs ──────────────────────

func (s *expenseService) ListChangeLogs(ctx context.Context, id string, page *dto.PaginationRequest) ([]dto.ExpenseChangeLogResponse, int64, error) {
	logs, total, err := s.repo.ChangeLog.ListByExpense(ctx, id, page.GetOffset(), page.GetPageSize())
	if err != nil {
		s.logger.Error("查询报销变更日志失败", zap.String("id", id), zap.Error(err))
		return nil, 0, err
	}
	result := make([]dto.ExpenseChangeLogResponse, 0, len(logs))
	for _, l := range logs {
		result = append(result, dto.ExpenseChangeLogResponse{
			ID:        l.LogID,
			Action:    l.Action,
			ChangedBy: l.ChangedBy,
			Snapshot:  json.RawMessage(l.Snapshot),
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		})
	}
	return result, total, nil
}

// ═══════════════════════════════════════════════════════════
// 票据
// ═══════════════════════════════════════════════════════════

// 允许的票据类型及其扩展名
var receiptExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

func (s *expenseService) UploadReceipt(ctx context.Context, r io.Reader) (*dto.ReceiptUploadResponse, error) {
	// 按内容嗅探类型，不信任客户端声明
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	contentType, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	if !s.typeAllowed(contentType) {
		return nil, ErrReceiptTypeNotAllowed
	}

	maxSize := s.storageCfg.MaxUploadSize
	var src io.Reader = br
	if maxSize > 0 {
		src = io.LimitReader(br, maxSize+1)
	}

	key, size, err := s.blobs.Put(ctx, receiptExtensions[contentType], src)
	if err != nil {
		s.logger.Error("保存票据失败", zap.Error(err))
		return nil, err
	}
	if maxSize > 0 && size > maxSize {
		s.removeReceipts(ctx, []string{key})
		return nil, ErrReceiptTooLarge
	}

	return &dto.ReceiptUploadResponse{Key: key, Size: size}, nil
}

func (s *expenseService) OpenReceipt(ctx context.Context, key string) (io.ReadCloser, string, error) {
	rc, err := s.blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return nil, "", ErrReceiptNotFound
		}
		s.logger.Error("读取票据失败", zap.String("key", key), zap.Error(err))
		return nil, "", err
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return rc, contentType, nil
}

func (s *expenseService) typeAllowed(contentType string) bool {
	if _, ok := receiptExtensions[contentType]; !ok {
		return false
	}
	if len(s.storageCfg.AllowedTypes) == 0 {
		return true
	}
	for _, t := range s.storageCfg.AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// ── 内部辅助方法 ──

func (s *expenseService) getExpense(ctx context.Context, id string) (*model.PatientExpense, error) {
	expense, err := s.repo.Expense.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExpenseNotFound
		}
		s.logger.Error("查询报销失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return expense, nil
}

// checkVisit 访视须属于试验且当前可登记
func (s *expenseService) checkVisit(ctx context.Context, patientID, trialID, visitName string) error {
	options, err := s.eligibility.Resolve(ctx, patientID, trialID)
	if err != nil {
		return err
	}
	for _, opt := range options {
		if opt.Name != visitName {
			continue
		}
		switch {
		case opt.IsCompleted:
			return ErrVisitAlreadyRegistered
		case !opt.IsSelectable:
			return ErrVisitOutOfSequence
		default:
			return nil
		}
	}
	return ErrVisitNotInTrial
}

// validateItems 校验明细：类别合法且不重复、金额为正且至多两位小数、票据存在
// 票据只能归属一条明细，expenseID 为正在替换的报销（提交时为空）
func (s *expenseService) validateItems(ctx context.Context, items []dto.ExpenseItemRequest, expenseID string) error {
	if len(items) == 0 {
		return ErrNoExpenseItems
	}
	seen := make(map[string]bool, len(items))
	seenKeys := make(map[string]bool, len(items))
	for _, it := range items {
		if !model.IsValidExpenseCategory(it.Category) {
			return fmt.Errorf("%w: %s", ErrInvalidCategory, it.Category)
		}
		if seen[it.Category] {
			return ErrDuplicateCategory
		}
		seen[it.Category] = true

		if !it.Cost.IsPositive() || it.Cost.Exponent() < -2 {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, it.Category)
		}
		if it.ReceiptKey != nil && *it.ReceiptKey != "" {
			if !storage.ValidKey(*it.ReceiptKey) {
				return ErrReceiptNotFound
			}
			ok, err := s.blobs.Exists(ctx, *it.ReceiptKey)
			if err != nil {
				s.logger.Error("检查票据失败", zap.String("key", *it.ReceiptKey), zap.Error(err))
				return err
			}
			if !ok {
				return ErrReceiptNotFound
			}
			if seenKeys[*it.ReceiptKey] {
				return ErrReceiptInUse
			}
			seenKeys[*it.ReceiptKey] = true

			inUse, err := s.repo.ExpenseItem.ReceiptKeyInUse(ctx, *it.ReceiptKey, expenseID)
			if err != nil {
				s.logger.Error("检查票据引用失败", zap.String("key", *it.ReceiptKey), zap.Error(err))
				return err
			}
			if inUse {
				return ErrReceiptInUse
			}
		}
	}
	return nil
}

// buildItems 依据费用标准计算每条明细的报销金额 = min(费用, 类别上限)
func (s *expenseService) buildItems(ctx context.Context, trialID string, reqs []dto.ExpenseItemRequest) ([]model.ExpenseItem, error) {
	schedules, err := s.repo.FeeSchedule.ListByTrial(ctx, trialID)
	if err != nil {
		s.logger.Error("查询费用标准失败", zap.String("trial_id", trialID), zap.Error(err))
		return nil, err
	}
	caps := capsByCategory(schedules)

	items := make([]model.ExpenseItem, 0, len(reqs))
	for _, r := range reqs {
		item := model.ExpenseItem{
			Category:         r.Category,
			Cost:             r.Cost.Round(2),
			ReimbursedAmount: reimbursable(r.Cost.Round(2), caps, r.Category),
		}
		if r.ReceiptKey != nil && *r.ReceiptKey != "" {
			key := *r.ReceiptKey
			item.ReceiptKey = &key
		}
		items = append(items, item)
	}
	return items, nil
}

func reimbursable(cost decimal.Decimal, caps map[string]decimal.Decimal, category string) decimal.Decimal {
	limit, ok := caps[category]
	if !ok {
		return cost
	}
	return decimal.Min(cost, limit)
}

func applyTotals(expense *model.PatientExpense, items []model.ExpenseItem) {
	total := decimal.Zero
	reimbursed := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Cost)
		reimbursed = reimbursed.Add(it.ReimbursedAmount)
	}
	expense.TotalCost = total
	expense.TotalReimbursed = reimbursed
}

func (s *expenseService) writeChangeLog(ctx context.Context, tx *repository.Repository, expense *model.PatientExpense, action, callerID string) error {
	snapshot, err := json.Marshal(toExpenseResponse(expense))
	if err != nil {
		return fmt.Errorf("序列化报销快照失败: %w", err)
	}
	return tx.ChangeLog.Create(ctx, &model.ExpenseChangeLog{
		PatientExpenseID: expense.PatientExpenseID,
		Action:           action,
		Snapshot:         datatypes.JSON(snapshot),
		ChangedBy:        callerID,
	})
}

// receiptClaimed 明细中是否有票据已被其他报销引用
func (s *expenseService) receiptClaimed(ctx context.Context, items []model.ExpenseItem, expenseID string) bool {
	for _, k := range receiptKeys(items) {
		inUse, err := s.repo.ExpenseItem.ReceiptKeyInUse(ctx, k, expenseID)
		if err == nil && inUse {
			return true
		}
	}
	return false
}

// removeReceipts 尽力删除票据文件，失败只记录日志
func (s *expenseService) removeReceipts(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := s.blobs.Delete(ctx, k); err != nil {
			s.logger.Warn("删除票据失败", zap.String("key", k), zap.Error(err))
		}
	}
}

func receiptKeys(items []model.ExpenseItem) []string {
	var keys []string
	for _, it := range items {
		if it.ReceiptKey != nil && *it.ReceiptKey != "" {
			keys = append(keys, *it.ReceiptKey)
		}
	}
	return keys
}

func subtractKeys(all, keep []string) []string {
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}
	var out []string
	for _, k := range all {
		if !kept[k] {
			out = append(out, k)
		}
	}
	return out
}

// expenseFilters 将查询参数转换为仓储筛选条件
func expenseFilters(patientID, trialID, visitType, dateFrom, dateTo string) (*repository.ExpenseListFilters, error) {
	f := &repository.ExpenseListFilters{
		PatientID: patientID,
		TrialID:   trialID,
		VisitType: visitType,
	}
	if dateFrom != "" {
		t, err := time.Parse(dateLayout, dateFrom)
		if err != nil {
			return nil, pkgerrors.ErrInvalidInput
		}
		f.DateFrom = &t
	}
	if dateTo != "" {
		t, err := time.Parse(dateLayout, dateTo)
		if err != nil {
			return nil, pkgerrors.ErrInvalidInput
		}
		f.DateTo = &t
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return nil, pkgerrors.ErrInvalidInput
	}
	return f, nil
}

func toExpenseResponse(e *model.PatientExpense) *dto.ExpenseResponse {
	resp := &dto.ExpenseResponse{
		ID:              e.PatientExpenseID,
		PatientID:       e.PatientID,
		TrialID:         e.TrialID,
		VisitType:       e.VisitType,
		VisitDate:       e.VisitDate.Format(dateLayout),
		Notes:           e.Notes,
		SubmittedBy:     e.SubmittedBy,
		TotalCost:       e.TotalCost,
		TotalReimbursed: e.TotalReimbursed,
		Items:           make([]dto.ExpenseItemResponse, 0, len(e.Items)),
		Version:         e.Version,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       e.UpdatedAt.Format(time.RFC3339),
	}
	if e.Patient != nil {
		resp.PatientCode = e.Patient.Code
		resp.PatientName = e.Patient.FullName()
	}
	if e.Trial != nil {
		resp.TrialName = e.Trial.Name
	}
	for _, it := range e.Items {
		resp.Items = append(resp.Items, dto.ExpenseItemResponse{
			ID:               it.ExpenseItemID,
			Category:         it.Category,
			Cost:             it.Cost,
			ReimbursedAmount: it.ReimbursedAmount,
			ReceiptKey:       it.ReceiptKey,
		})
	}
	return resp
}
