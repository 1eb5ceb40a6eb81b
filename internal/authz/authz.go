// Package authz 定义系统的能力枚举与统一鉴权入口。
// 所有权限判断都经过 Authorizer.Can，不允许在其他地方比较权限字符串。
package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownCapability 能力字符串不在封闭枚举内
var ErrUnknownCapability = errors.New("未知的权限能力")

// Capability 权限能力（封闭枚举）
type Capability int

const (
	PatientsRead Capability = iota + 1
	PatientsWrite
	TrialsRead
	TrialsWrite
	FeeSchedulesRead
	FeeSchedulesWrite
	ExpensesRead
	ExpensesWrite
	ExpensesDelete
	UsersManage
	ReportsExport
)

var capabilityNames = map[Capability]string{
	PatientsRead:      "patients:read",
	PatientsWrite:     "patients:write",
	TrialsRead:        "trials:read",
	TrialsWrite:       "trials:write",
	FeeSchedulesRead:  "fee_schedules:read",
	FeeSchedulesWrite: "fee_schedules:write",
	ExpensesRead:      "expenses:read",
	ExpensesWrite:     "expenses:write",
	ExpensesDelete:    "expenses:delete",
	UsersManage:       "users:manage",
	ReportsExport:     "reports:export",
}

var capabilityByName = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityNames))
	for c, n := range capabilityNames {
		m[n] = c
	}
	return m
}()

// String 返回持久化使用的字符串形式
func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// Valid 是否属于枚举
func (c Capability) Valid() bool {
	_, ok := capabilityNames[c]
	return ok
}

// MarshalText 以字符串形式编码（JSON 使用）
func (c Capability) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, ErrUnknownCapability
	}
	return []byte(c.String()), nil
}

// UnmarshalText 解析字符串形式，拒绝未知值
func (c *Capability) UnmarshalText(b []byte) error {
	parsed, err := ParseCapability(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCapability 将字符串解析为 Capability
func ParseCapability(s string) (Capability, error) {
	if c, ok := capabilityByName[s]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
}

// All 返回全部能力，按枚举顺序
func All() []Capability {
	out := make([]Capability, 0, len(capabilityNames))
	for c := range capabilityNames {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings 将能力列表转为字符串列表
func Strings(caps []Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.String())
	}
	return out
}

// Subject 鉴权主体（当前生效的用户，代入时为被代入用户）
type Subject struct {
	UserID string
	Role   string
}

// Authorizer 唯一鉴权入口
type Authorizer interface {
	Can(ctx context.Context, sub Subject, c Capability) (bool, error)
	Capabilities(ctx context.Context, sub Subject) ([]Capability, error)
}

// PermissionSource 读取用户被授予的能力字符串
type PermissionSource interface {
	ListCapabilities(ctx context.Context, userID string) ([]string, error)
}

// RoleAdmin 拥有全部能力的角色
const RoleAdmin = "admin"

type authorizer struct {
	source PermissionSource
}

// NewAuthorizer 创建基于角色与授权表的 Authorizer
func NewAuthorizer(source PermissionSource) Authorizer {
	return &authorizer{source: source}
}

func (a *authorizer) Can(ctx context.Context, sub Subject, c Capability) (bool, error) {
	if !c.Valid() {
		return false, ErrUnknownCapability
	}
	if sub.UserID == "" {
		return false, nil
	}
	if sub.Role == RoleAdmin {
		return true, nil
	}

	caps, err := a.Capabilities(ctx, sub)
	if err != nil {
		return false, err
	}
	for _, held := range caps {
		if held == c {
			return true, nil
		}
	}
	return false, nil
}

func (a *authorizer) Capabilities(ctx context.Context, sub Subject) ([]Capability, error) {
	if sub.Role == RoleAdmin {
		return All(), nil
	}
	names, err := a.source.ListCapabilities(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}

	out := make([]Capability, 0, len(names))
	for _, n := range names {
		// 表中残留的未知值直接忽略，不授予任何能力
		if c, err := ParseCapability(n); err == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
