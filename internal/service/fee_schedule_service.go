package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trialpay/internal/dto"
	"trialpay/internal/model"
	"trialpay/internal/repository"
)

var (
	ErrFeeScheduleNotFound = errors.New("费用标准不存在")
	ErrInvalidCategory     = errors.New("费用类别无效")
	ErrInvalidAmount       = errors.New("金额无效")
)

// FeeScheduleService 试验费用标准业务接口
type FeeScheduleService interface {
	List(ctx context.Context, trialID string) ([]dto.FeeScheduleResponse, error)
	Upsert(ctx context.Context, trialID string, req *dto.UpsertFeeScheduleRequest, callerID string) (*dto.FeeScheduleResponse, error)
	Delete(ctx context.Context, trialID, id string) error
}

type feeScheduleService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewFeeScheduleService 创建 FeeScheduleService 实例
func NewFeeScheduleService(repo *repository.Repository, logger *zap.Logger) FeeScheduleService {
	return &feeScheduleService{repo: repo, logger: logger}
}

func (s *feeScheduleService) List(ctx context.Context, trialID string) ([]dto.FeeScheduleResponse, error) {
	if err := s.ensureTrial(ctx, trialID); err != nil {
		return nil, err
	}
	list, err := s.repo.FeeSchedule.ListByTrial(ctx, trialID)
	if err != nil {
		s.logger.Error("查询费用标准失败", zap.String("trial_id", trialID), zap.Error(err))
		return nil, err
	}
	result := make([]dto.FeeScheduleResponse, 0, len(list))
	for i := range list {
		result = append(result, toFeeScheduleResponse(&list[i]))
	}
	return result, nil
}

func (s *feeScheduleService) Upsert(ctx context.Context, trialID string, req *dto.UpsertFeeScheduleRequest, callerID string) (*dto.FeeScheduleResponse, error) {
	if !model.IsValidExpenseCategory(req.Category) {
		return nil, ErrInvalidCategory
	}
	if req.MaxAmount.IsNegative() || req.MaxAmount.Exponent() < -2 {
		return nil, ErrInvalidAmount
	}
	if err := s.ensureTrial(ctx, trialID); err != nil {
		return nil, err
	}

	fs := &model.FeeSchedule{
		TrialID:   trialID,
		Category:  req.Category,
		MaxAmount: req.MaxAmount.Round(2),
	}
	fs.SetCreator(callerID)

	if err := s.repo.FeeSchedule.Upsert(ctx, fs); err != nil {
		s.logger.Error("保存费用标准失败", zap.String("trial_id", trialID), zap.Error(err))
		return nil, err
	}
	resp := toFeeScheduleResponse(fs)
	return &resp, nil
}

func (s *feeScheduleService) Delete(ctx context.Context, trialID, id string) error {
	fs, err := s.repo.FeeSchedule.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFeeScheduleNotFound
		}
		return err
	}
	if fs.TrialID != trialID {
		return ErrFeeScheduleNotFound
	}
	if err := s.repo.FeeSchedule.Delete(ctx, id); err != nil {
		s.logger.Error("删除费用标准失败", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

func (s *feeScheduleService) ensureTrial(ctx context.Context, trialID string) error {
	if _, err := s.repo.Trial.GetByID(ctx, trialID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTrialNotFound
		}
		s.logger.Error("查询试验失败", zap.String("id", trialID), zap.Error(err))
		return err
	}
	return nil
}

// capsByCategory 将费用标准转换为 类别 -> 上限 映射；未配置的类别不设上限
func capsByCategory(list []model.FeeSchedule) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(list))
	for _, fs := range list {
		m[fs.Category] = fs.MaxAmount
	}
	return m
}

func toFeeScheduleResponse(fs *model.FeeSchedule) dto.FeeScheduleResponse {
	return dto.FeeScheduleResponse{
		ID:        fs.FeeScheduleID,
		TrialID:   fs.TrialID,
		Category:  fs.Category,
		MaxAmount: fs.MaxAmount,
	}
}
