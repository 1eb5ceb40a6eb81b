package service

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"trialpay/internal/authz"
	"trialpay/internal/dto"
	"trialpay/internal/model"
	"trialpay/internal/repository"
	"trialpay/internal/session"
)

// ── 用户模块业务错误 ──

var (
	ErrUserSelfRoleChange = errors.New("不能修改自己的角色")
	ErrUserSelfDeactivate = errors.New("不能停用自己")
	ErrUserSelfDelete     = errors.New("不能删除自己")
	ErrEmailExists        = errors.New("邮箱已被使用")
)

// UserService 用户与权限管理业务接口
type UserService interface {
	CreateUser(ctx context.Context, req *dto.CreateUserRequest, callerID string) (*dto.CreateUserResponse, error)
	GetByID(ctx context.Context, id string) (*dto.UserResponse, error)
	List(ctx context.Context, req *dto.UserListRequest) ([]dto.UserResponse, int64, error)
	Update(ctx context.Context, id string, req *dto.UpdateUserRequest, callerID string) (*dto.UserResponse, error)
	Delete(ctx context.Context, id string, callerID string) error
	ResetPassword(ctx context.Context, id string, callerID string) (*dto.ResetPasswordResponse, error)
	GetPermissions(ctx context.Context, id string) ([]string, error)
	// SetPermissions 整体替换用户能力（事务内先删后插）
	SetPermissions(ctx context.Context, id string, capabilities []string, callerID string) ([]string, error)
	// GrantPermissions 追加用户能力
	GrantPermissions(ctx context.Context, id string, capabilities []string, callerID string) ([]string, error)
}

type userService struct {
	repo     *repository.Repository
	sessions session.Store
	logger   *zap.Logger
}

// NewUserService 创建 UserService 实例
func NewUserService(repo *repository.Repository, sessions session.Store, logger *zap.Logger) UserService {
	return &userService{repo: repo, sessions: sessions, logger: logger}
}

// ────────────────────── CreateUser ──────────────────────

func (s *userService) CreateUser(ctx context.Context, req *dto.CreateUserRequest, callerID string) (*dto.CreateUserResponse, error) {
	caps, err := parseCapabilities(req.Capabilities)
	if err != nil {
		return nil, err
	}

	email := strings.TrimSpace(req.Email)
	if _, err := s.repo.User.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tempPassword, err := generateTempPassword(10)
	if err != nil {
		s.logger.Error("生成临时密码失败", zap.Error(err))
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("密码哈希失败", zap.Error(err))
		return nil, err
	}

	user := &model.User{
		Name:               strings.TrimSpace(req.Name),
		Email:              email,
		PasswordHash:       string(hash),
		Role:               req.Role,
		IsActive:           true,
		MustChangePassword: true,
	}
	if callerID != "" {
		user.SetCreator(callerID)
	}

	err = s.repo.RunInTx(ctx, func(tx *repository.Repository) error {
		if err := tx.User.Create(ctx, user); err != nil {
			return err
		}
		return tx.Permission.Grant(ctx, user.UserID, caps, callerID)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailExists
		}
		s.logger.Error("创建用户失败", zap.Error(err))
		return nil, err
	}

	s.logger.Info("创建用户",
		zap.String("user_id", user.UserID), zap.String("role", user.Role), zap.String("by", callerID))

	return &dto.CreateUserResponse{
		User:         toUserResponse(user, caps),
		TempPassword: tempPassword,
	}, nil
}

// ────────────────────── GetByID ──────────────────────

func (s *userService) GetByID(ctx context.Context, id string) (*dto.UserResponse, error) {
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return toUserResponse(user, permissionNames(user)), nil
}

// ────────────────────── List ──────────────────────

func (s *userService) List(ctx context.Context, req *dto.UserListRequest) ([]dto.UserResponse, int64, error) {
	filters := &repository.UserListFilters{
		Role:    req.Role,
		Keyword: req.Keyword,
	}

	users, total, err := s.repo.User.ListWithFilters(ctx, filters, req.GetOffset(), req.GetPageSize())
	if err != nil {
		s.logger.Error("列出用户失败", zap.Error(err))
		return nil, 0, err
	}

	result := make([]dto.UserResponse, 0, len(users))
	for i := range users {
		result = append(result, *toUserResponse(&users[i], permissionNames(&users[i])))
	}
	return result, total, nil
}

// ────────────────────── Update ──────────────────────

func (s *userService) Update(ctx context.Context, id string, req *dto.UpdateUserRequest, callerID string) (*dto.UserResponse, error) {
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	user.Version = req.Version

	if req.Name != nil {
		user.Name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		existing, err := s.repo.User.GetByEmail(ctx, email)
		if err == nil && existing.UserID != id {
			return nil, ErrEmailExists
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		user.Email = email
	}
	if req.Role != nil && *req.Role != user.Role {
		if id == callerID {
			return nil, ErrUserSelfRoleChange
		}
		user.Role = *req.Role
	}
	if req.IsActive != nil && *req.IsActive != user.IsActive {
		if id == callerID && !*req.IsActive {
			return nil, ErrUserSelfDeactivate
		}
		user.IsActive = *req.IsActive
	}
	user.UpdatedBy = &callerID

	if err := s.repo.User.Update(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailExists
		}
		s.logger.Error("更新用户失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	s.invalidateProfile(ctx, id)
	return toUserResponse(user, permissionNames(user)), nil
}

// ────────────────────── Delete ──────────────────────

func (s *userService) Delete(ctx context.Context, id string, callerID string) error {
	if id == callerID {
		return ErrUserSelfDelete
	}
	if _, err := s.getUser(ctx, id); err != nil {
		return err
	}

	if err := s.repo.User.Delete(ctx, id, callerID); err != nil {
		s.logger.Error("删除用户失败", zap.String("id", id), zap.Error(err))
		return err
	}
	if err := s.sessions.Clear(ctx, id); err != nil {
		s.logger.Warn("清除会话设置失败", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// ────────────────────── ResetPassword ──────────────────────

func (s *userService) ResetPassword(ctx context.Context, id string, callerID string) (*dto.ResetPasswordResponse, error) {
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}

	tempPassword, err := generateTempPassword(10)
	if err != nil {
		s.logger.Error("生成临时密码失败", zap.Error(err))
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("密码哈希失败", zap.Error(err))
		return nil, err
	}

	user.PasswordHash = string(hash)
	user.MustChangePassword = true
	user.UpdatedBy = &callerID

	if err := s.repo.User.Update(ctx, user); err != nil {
		s.logger.Error("重置密码失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	return &dto.ResetPasswordResponse{TempPassword: tempPassword}, nil
}

// ────────────────────── Permissions ──────────────────────

func (s *userService) GetPermissions(ctx context.Context, id string) ([]string, error) {
	if _, err := s.getUser(ctx, id); err != nil {
		return nil, err
	}
	caps, err := s.repo.Permission.ListCapabilities(ctx, id)
	if err != nil {
		s.logger.Error("查询用户权限失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	if caps == nil {
		caps = []string{}
	}
	return caps, nil
}

func (s *userService) SetPermissions(ctx context.Context, id string, capabilities []string, callerID string) ([]string, error) {
	caps, err := parseCapabilities(capabilities)
	if err != nil {
		return nil, err
	}
	if _, err := s.getUser(ctx, id); err != nil {
		return nil, err
	}

	err = s.repo.RunInTx(ctx, func(tx *repository.Repository) error {
		return tx.Permission.Replace(ctx, id, caps, callerID)
	})
	if err != nil {
		s.logger.Error("设置用户权限失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	s.logger.Info("设置用户权限", zap.String("id", id), zap.Strings("capabilities", caps), zap.String("by", callerID))
	s.invalidateProfile(ctx, id)
	return caps, nil
}

func (s *userService) GrantPermissions(ctx context.Context, id string, capabilities []string, callerID string) ([]string, error) {
	caps, err := parseCapabilities(capabilities)
	if err != nil {
		return nil, err
	}
	if _, err := s.getUser(ctx, id); err != nil {
		return nil, err
	}

	if err := s.repo.Permission.Grant(ctx, id, caps, callerID); err != nil {
		s.logger.Error("授予用户权限失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	s.invalidateProfile(ctx, id)
	return s.repo.Permission.ListCapabilities(ctx, id)
}

// ── 内部辅助方法 ──

func (s *userService) getUser(ctx context.Context, id string) (*model.User, error) {
	user, err := s.repo.User.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		s.logger.Error("查询用户失败", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return user, nil
}

// invalidateProfile 清除资料快照，下次 /auth/me 重新计算
func (s *userService) invalidateProfile(ctx context.Context, id string) {
	if _, err := session.Update(ctx, s.sessions, id, func(st *session.Settings) {
		st.Profile = nil
	}); err != nil {
		s.logger.Warn("清除资料快照失败", zap.String("id", id), zap.Error(err))
	}
}

// parseCapabilities 校验并去重能力字符串，返回规范化后的列表
func parseCapabilities(raw []string) ([]string, error) {
	seen := make(map[authz.Capability]bool, len(raw))
	caps := make([]authz.Capability, 0, len(raw))
	for _, r := range raw {
		c, err := authz.ParseCapability(strings.TrimSpace(r))
		if err != nil {
			return nil, err
		}
		if !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	return authz.Strings(caps), nil
}

func permissionNames(user *model.User) []string {
	out := make([]string, 0, len(user.Permissions))
	for _, p := range user.Permissions {
		out = append(out, p.Capability)
	}
	return out
}

// generateTempPassword 生成指定长度的临时密码（保证包含字母和数字）
func generateTempPassword(length int) (string, error) {
	const letters = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"
	const digits = "23456789"
	const all = letters + digits

	if length < 8 {
		length = 8
	}

	result := make([]byte, length)

	// 保证至少1个字母+1个数字
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
	if err != nil {
		return "", err
	}
	result[0] = letters[n.Int64()]

	n, err = rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
	if err != nil {
		return "", err
	}
	result[1] = digits[n.Int64()]

	for i := 2; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(all))))
		if err != nil {
			return "", err
		}
		result[i] = all[n.Int64()]
	}

	// 打乱顺序
	for i := length - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		result[i], result[j.Int64()] = result[j.Int64()], result[i]
	}

	return string(result), nil
}
