package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"trialpay/config"
	"trialpay/internal/dto"
	"trialpay/internal/repository"
	pkgerrors "trialpay/pkg/errors"
)

// EligibilityService 访视可选性业务接口
//
// 设计说明：
//   - Resolve 只发出两次读取：试验访视类型（按 order_number 升序）与患者在该试验下已提交的访视名称
//   - 任一读取失败直接返回错误，不返回部分结果
//   - 试验没有访视类型时返回空列表，不视为错误
//   - 结果只由存储状态决定，重复调用结果一致
type EligibilityService interface {
	// Resolve 返回试验全部访视类型及其完成状态，不排除任何访视
	Resolve(ctx context.Context, patientID, trialID string) ([]dto.VisitOption, error)
	// CanRegisterVisit 访视名称属于该试验且未完成（strict 策略下还须为序号最小的未完成访视）时返回 true
	CanRegisterVisit(ctx context.Context, patientID, trialID, visitName string) (bool, error)
}

type eligibilityService struct {
	repo   *repository.Repository
	policy string
	logger *zap.Logger
}

// NewEligibilityService 创建 EligibilityService 实例
// policy 为 config.VisitSequencingPermissive 或 config.VisitSequencingStrict，空值按 permissive 处理
func NewEligibilityService(repo *repository.Repository, policy string, logger *zap.Logger) EligibilityService {
	if policy == "" {
		policy = config.VisitSequencingPermissive
	}
	return &eligibilityService{repo: repo, policy: policy, logger: logger}
}

// ────────────────────── Resolve ──────────────────────

func (s *eligibilityService) Resolve(ctx context.Context, patientID, trialID string) ([]dto.VisitOption, error) {
	if strings.TrimSpace(patientID) == "" || strings.TrimSpace(trialID) == "" {
		return nil, pkgerrors.ErrInvalidInput
	}

	visitTypes, err := s.repo.VisitType.ListByTrial(ctx, trialID)
	if err != nil {
		s.logger.Error("查询访视类型失败", zap.String("trial_id", trialID), zap.Error(err))
		return nil, err
	}

	completedNames, err := s.repo.Expense.ListVisitNames(ctx, patientID, trialID)
	if err != nil {
		s.logger.Error("查询已提交访视失败",
			zap.String("patient_id", patientID), zap.String("trial_id", trialID), zap.Error(err))
		return nil, err
	}

	completed := make(map[string]bool, len(completedNames))
	for _, n := range completedNames {
		completed[n] = true
	}

	options := make([]dto.VisitOption, 0, len(visitTypes))
	nextFound := false
	for _, vt := range visitTypes {
		opt := dto.VisitOption{
			ID:          vt.VisitTypeID,
			Name:        vt.Name,
			OrderNumber: vt.OrderNumber,
			IsCompleted: completed[vt.Name],
		}
		if !opt.IsCompleted {
			switch s.policy {
			case config.VisitSequencingStrict:
				// 仅序号最小的未完成访视可选
				opt.IsSelectable = !nextFound
				nextFound = true
			default:
				opt.IsSelectable = true
			}
		}
		options = append(options, opt)
	}

	return options, nil
}

// ────────────────────── CanRegisterVisit ──────────────────────

func (s *eligibilityService) CanRegisterVisit(ctx context.Context, patientID, trialID, visitName string) (bool, error) {
	options, err := s.Resolve(ctx, patientID, trialID)
	if err != nil {
		return false, err
	}
	for _, opt := range options {
		if opt.Name == visitName {
			return opt.IsSelectable, nil
		}
	}
	return false, nil
}
