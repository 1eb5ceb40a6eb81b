// Package session 保存每个用户的会话设置（侧边栏状态、代入标记、资料快照）。
// 读写只发生在显式的 Load / Save / Clear 调用点，不存在全局可变状态。
package session

import (
	"context"
	"sync"
	"time"
)

// Profile 用户资料快照，供 /auth/me 复用
type Profile struct {
	UserID       string   `json:"user_id"`
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	Role         string   `json:"role"`
	Version      int      `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Settings 单个用户的会话设置
type Settings struct {
	SidebarCollapsed   bool      `json:"sidebar_collapsed"`
	ImpersonatedUserID string    `json:"impersonated_user_id,omitempty"`
	Profile            *Profile  `json:"profile,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store 会话设置存储
// Load 在记录不存在时返回零值 Settings，而不是错误
type Store interface {
	Load(ctx context.Context, userID string) (*Settings, error)
	Save(ctx context.Context, userID string, s *Settings) error
	Clear(ctx context.Context, userID string) error
}

// Update 读取设置、应用 fn 后写回
func Update(ctx context.Context, store Store, userID string, fn func(s *Settings)) (*Settings, error) {
	s, err := store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	fn(s)
	if err := store.Save(ctx, userID, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ── Redis 实现 ──

// KV JSON 键值存储（*redis.Client 实现）
type KV interface {
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	Delete(ctx context.Context, key string) error
}

const keyPrefix = "session:settings:"

type redisStore struct {
	kv  KV
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore 创建基于 Redis 的会话存储，ttl 为每次保存后的过期时间
func NewRedisStore(kv KV, ttl time.Duration) Store {
	return &redisStore{kv: kv, ttl: ttl, now: time.Now}
}

func (r *redisStore) Load(ctx context.Context, userID string) (*Settings, error) {
	var s Settings
	found, err := r.kv.GetJSON(ctx, keyPrefix+userID, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Settings{}, nil
	}
	return &s, nil
}

func (r *redisStore) Save(ctx context.Context, userID string, s *Settings) error {
	s.UpdatedAt = r.now()
	return r.kv.SetJSON(ctx, keyPrefix+userID, s, r.ttl)
}

func (r *redisStore) Clear(ctx context.Context, userID string) error {
	return r.kv.Delete(ctx, keyPrefix+userID)
}

// ── 内存实现（Redis 不可用时使用，仅适用于单实例部署）──

type memoryEntry struct {
	settings  Settings
	expiresAt time.Time
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore 创建进程内会话存储
func NewMemoryStore(ttl time.Duration) Store {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *memoryStore) Load(_ context.Context, userID string) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[userID]
	if !ok {
		return &Settings{}, nil
	}
	if m.ttl > 0 && m.now().After(e.expiresAt) {
		delete(m.entries, userID)
		return &Settings{}, nil
	}
	s := e.settings
	if e.settings.Profile != nil {
		p := *e.settings.Profile
		p.Capabilities = append([]string(nil), p.Capabilities...)
		s.Profile = &p
	}
	return &s, nil
}

func (m *memoryStore) Save(_ context.Context, userID string, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s.UpdatedAt = now
	stored := *s
	if s.Profile != nil {
		p := *s.Profile
		p.Capabilities = append([]string(nil), p.Capabilities...)
		stored.Profile = &p
	}
	m.entries[userID] = memoryEntry{settings: stored, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *memoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}
