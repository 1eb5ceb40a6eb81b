package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trialpay/internal/dto"
	"trialpay/internal/model"
	"trialpay/internal/repository"
)

// ── 试验模块业务错误 ──

var (
	ErrTrialNotFound      = errors.New("试验不存在")
	ErrTrialNameExists    = errors.New("试验名称已存在")
	ErrTrialInactive      = errors.New("试验已停用")
	ErrVisitTypeNotFound  = errors.New("访视类型不存在")
	ErrVisitOrderConflict = errors.New("该试验下访视序号已存在")
	ErrVisitNameConflict  = errors.New("该试验下访视名称已存在")
	ErrVisitConflict      = errors.New("访视序号或名称与现有访视冲突")
	ErrVisitTypeInUse     = errors.New("访视已有报销记录，不能修改名称或删除")
)

// TrialService 试验与访视类型业务接口
type TrialService interface {
	CreateTrial(ctx context.Context, req *dto.CreateTrialRequest, callerID string) (*dto.TrialResponse, error)
	GetTrial(ctx context.Context, id string) (*dto.TrialResponse, error)
	ListTrials(ctx context.Context, req *dto.TrialListRequest) ([]dto.TrialResponse, error)
	UpdateTrial(ctx context.Context, id string, req *dto.UpdateTrialRequest, callerID string) (*dto.TrialResponse, error)
	DeleteTrial(ctx context.Context, id string, callerID string) error

	ListVisitTypes(ctx context.Context, trialID string) ([]dto.VisitTypeResponse, error)
	CreateVisitType(ctx context.Context, trialID string, req *dto.CreateVisitTypeRequest, callerID string) (*dto.VisitTypeResponse, error)
	UpdateVisitType(ctx context.Context, trialID, id string, req *dto.UpdateVisitTypeRequest, callerID string) (*dto.VisitTypeResponse, error)
	DeleteVisitType(ctx context.Context, trialID, id string) error
}

type trialService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewTrialService 创建 TrialService 实例
func NewTrialService(repo *repository.Repository, logger *zap.Logger) TrialService {
	return &trialService{repo: repo, logger: logger}
}

// ────────────────────── CreateTrial ──────────────────────

func (s *trialService) CreateTrial(ctx context.Context, req *dto.CreateTrialRequest, callerID string) (*dto.TrialResponse, error) {
	name := strings.TrimSpace(req.Name)
	if _, err := s.repo.Trial.GetByName(ctx, name); err == nil {
		return nil, ErrTrialNameExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	trial := &model.Trial{
		Name:     name,
		Sponsor:  strings.TrimSpace(req.Sponsor),
		IsActive: true,
	}
	trial.SetCreator(callerID)

	if err := s.repo.Trial.Create(ctx, trial); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrTrialNameExists
		}
		s.logger.Error("创建试验失败", zap.Error(err))
		return nil, err
	}
	return toTrialResponse(trial), nil
}

// ────────────────────── GetTrial ──────────────────────

func (s *trialService) GetTrial(ctx context.Context, id string) (*dto.TrialResponse, error) {
	trial, err := s.getTrial(ctx, id)
	if err != nil {
		return nil, err
	}
	return toTrialResponse(trial), nil
}

// ────────────────────── ListTrials ──────────────────────

func (s *trialService) ListTrials(ctx context.Context, req *dto.TrialListRequest) ([]dto.TrialResponse, error) {
	trials, err := s.repo.Trial.List(ctx, req.IncludeInactive)
	if err != nil {
		s.logger.Error("列出试验失败", zap.Error(err))
		return nil, err
	}
	result := make([]dto.TrialResponse, 0, len(trials))
	for i := range trials {
		result = append(result, *toTrialResponse(&trials[i]))
	}
	return result, nil
}

// ────────────────────── UpdateTrial ──────────────────────

func (s *trialService) UpdateTrial(ctx context.Context, id string, req *dto.UpdateTrialRequest, callerID string) (*dto.TrialResponse, error) {
	trial, err := s.getTrial(ctx, id)
	if err != nil {
		return nil, err
	}
	trial.Version = req.Version

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		existing, err := s.repo.Trial.GetByName(ctx, name)
		if err == nil && existing.TrialID != id {
			return nil, ErrTrialNameExists
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		trial.Name = name
	}
	if req.Sponsor != nil {
		trial.Sponsor = strings.TrimSpace(*req.Sponsor)
	}
	if req.IsActive != nil {
		trial.IsActive = *req.IsActive
	}
	trial.UpdatedBy = &callerID

	if err := s.repo.Trial.Update(ctx, trial); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrTrialNameExists
		}
		s.logger.Error("更新试验失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return toTrialResponse(trial), nil
}

// ────────────────────── DeleteTrial ──────────────────────

func (s *trialService) DeleteTrial(ctx context.Context, id string, callerID string) error {
	if _, err := s.getTrial(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Trial.Delete(ctx, id, callerID); err != nil {
		s.logger.Error("删除试验失败", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// ────────────────────── VisitTypes ──────────────────────

func (s *trialService) ListVisitTypes(ctx context.Context, trialID string) ([]dto.VisitTypeResponse, error) {
	if _, err := s.getTrial(ctx, trialID); err != nil {
		return nil, err
	}
	vts, err := s.repo.VisitType.ListByTrial(ctx, trialID)
	if err != nil {
		s.logger.Error("查询访视类型失败", zap.String("trial_id", trialID), zap.Error(err))
		return nil, err
	}
	result := make([]dto.VisitTypeResponse, 0, len(vts))
	for i := range vts {
		result = append(result, toVisitTypeResponse(&vts[i]))
	}
	return result, nil
}

func (s *trialService) CreateVisitType(ctx context.Context, trialID string, req *dto.CreateVisitTypeRequest, callerID string) (*dto.VisitTypeResponse, error) {
	if _, err := s.getTrial(ctx, trialID); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if err := s.checkVisitConflicts(ctx, trialID, "", name, req.OrderNumber); err != nil {
		return nil, err
	}

	vt := &model.VisitType{
		TrialID:     trialID,
		Name:        name,
		OrderNumber: req.OrderNumber,
	}
	vt.SetCreator(callerID)

	if err := s.repo.VisitType.Create(ctx, vt); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, s.duplicateVisitError(ctx, trialID, "", name, req.OrderNumber)
		}
		s.logger.Error("创建访视类型失败", zap.Error(err))
		return nil, err
	}
	resp := toVisitTypeResponse(vt)
	return &resp, nil
}

func (s *trialService) UpdateVisitType(ctx context.Context, trialID, id string, req *dto.UpdateVisitTypeRequest, callerID string) (*dto.VisitTypeResponse, error) {
	vt, err := s.getVisitType(ctx, trialID, id)
	if err != nil {
		return nil, err
	}

	name := vt.Name
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
	}
	order := vt.OrderNumber
	if req.OrderNumber != nil {
		order = *req.OrderNumber
	}

	// 报销按访视名称关联，已被引用的访视不允许改名
	if name != vt.Name {
		inUse, err := s.visitInUse(ctx, trialID, vt.Name)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, ErrVisitTypeInUse
		}
	}
	if err := s.checkVisitConflicts(ctx, trialID, id, name, order); err != nil {
		return nil, err
	}

	vt.Name = name
	vt.OrderNumber = order
	vt.UpdatedBy = &callerID

	if err := s.repo.VisitType.Update(ctx, vt); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, s.duplicateVisitError(ctx, trialID, id, name, order)
		}
		s.logger.Error("更新访视类型失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	resp := toVisitTypeResponse(vt)
	return &resp, nil
}

func (s *trialService) DeleteVisitType(ctx context.Context, trialID, id string) error {
	vt, err := s.getVisitType(ctx, trialID, id)
	if err != nil {
		return err
	}
	inUse, err := s.visitInUse(ctx, trialID, vt.Name)
	if err != nil {
		return err
	}
	if inUse {
		return ErrVisitTypeInUse
	}
	if err := s.repo.VisitType.Delete(ctx, id); err != nil {
		s.logger.Error("删除访视类型失败", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// ── 内部辅助方法 ──

func (s *trialService) getTrial(ctx context.Context, id string) (*model.Trial, error) {
	trial, err := s.repo.Trial.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrialNotFound
		}
		s.logger.Error("查询试验失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return trial, nil
}

func (s *trialService) getVisitType(ctx context.Context, trialID, id string) (*model.VisitType, error) {
	vt, err := s.repo.VisitType.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVisitTypeNotFound
		}
		s.logger.Error("查询访视类型失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	if vt.TrialID != trialID {
		return nil, ErrVisitTypeNotFound
	}
	return vt, nil
}

// checkVisitConflicts 校验同一试验内 order_number 与名称唯一（excludeID 为正在修改的访视）
func (s *trialService) checkVisitConflicts(ctx context.Context, trialID, excludeID, name string, order int) error {
	existing, err := s.repo.VisitType.ListByTrial(ctx, trialID)
	if err != nil {
		s.logger.Error("查询访视类型失败", zap.String("trial_id", trialID), zap.Error(err))
		return err
	}
	for _, vt := range existing {
		if vt.VisitTypeID == excludeID {
			continue
		}
		if vt.OrderNumber == order {
			return ErrVisitOrderConflict
		}
		if strings.EqualFold(vt.Name, name) {
			return ErrVisitNameConflict
		}
	}
	return nil
}

// duplicateVisitError 唯一约束在写入时冲突（并发写入），重新比对现有访视确定冲突字段
// 比对不出结果时返回通用冲突错误
func (s *trialService) duplicateVisitError(ctx context.Context, trialID, excludeID, name string, order int) error {
	err := s.checkVisitConflicts(ctx, trialID, excludeID, name, order)
	if errors.Is(err, ErrVisitOrderConflict) || errors.Is(err, ErrVisitNameConflict) {
		return err
	}
	return ErrVisitConflict
}

func (s *trialService) visitInUse(ctx context.Context, trialID, visitName string) (bool, error) {
	_, total, err := s.repo.Expense.ListWithFilters(ctx, &repository.ExpenseListFilters{
		TrialID:   trialID,
		VisitType: visitName,
	}, 0, 1)
	if err != nil {
		s.logger.Error("查询访视引用失败", zap.String("trial_id", trialID), zap.Error(err))
		return false, err
	}
	return total > 0, nil
}

func toTrialResponse(t *model.Trial) *dto.TrialResponse {
	resp := &dto.TrialResponse{
		ID:       t.TrialID,
		Name:     t.Name,
		Sponsor:  t.Sponsor,
		IsActive: t.IsActive,
		Version:  t.Version,
	}
	for i := range t.VisitTypes {
		resp.VisitTypes = append(resp.VisitTypes, toVisitTypeResponse(&t.VisitTypes[i]))
	}
	return resp
}

func toVisitTypeResponse(vt *model.VisitType) dto.VisitTypeResponse {
	return dto.VisitTypeResponse{
		ID:          vt.VisitTypeID,
		TrialID:     vt.TrialID,
		Name:        vt.Name,
		OrderNumber: vt.OrderNumber,
	}
}
