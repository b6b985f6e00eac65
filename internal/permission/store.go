package permission

import (
	"fmt"
	"log/slog"
	"sync"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/pkg/logger"
)

// Update 描述一次能力修改，nil 字段保持原值。
type Update struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	Limit            *Limit `json:"limit,omitempty"`
	ClearLimit       bool   `json:"clear_limit,omitempty"`
	RequiresApproval *bool  `json:"requires_approval,omitempty"`
}

// Empty 判断更新是否不包含任何字段。
func (u Update) Empty() bool {
	return u.Enabled == nil && u.Limit == nil && !u.ClearLimit && u.RequiresApproval == nil
}

// Observer 在每次修改后收到完整的能力快照。
type Observer func(snapshot []Capability)

// Store 保存能力开关、上限与审批要求。所有读写都经过互斥锁。
type Store struct {
	mu        sync.RWMutex
	caps      map[string]Capability
	order     []string
	observers []Observer
	logger    *slog.Logger
}

// Option 定义 Store 的可选配置。
type Option func(*Store)

// WithObserver 注册修改观察者，通常用于持久化镜像。
func WithObserver(observer Observer) Option {
	return func(s *Store) {
		if observer != nil {
			s.observers = append(s.observers, observer)
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore 使用给定目录构造 Store，目录为空时使用 DefaultCatalog。
func NewStore(catalog []Capability, opts ...Option) *Store {
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	s := &Store{caps: make(map[string]Capability, len(catalog))}
	for _, c := range catalog {
		if c.ID == "" {
			continue
		}
		if _, exists := s.caps[c.ID]; !exists {
			s.order = append(s.order, c.ID)
		}
		s.caps[c.ID] = c.clone()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("permission")
	}
	return s
}

// Get 返回能力的副本。
func (s *Store) Get(id string) (Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caps[id]
	if !ok {
		return Capability{}, false
	}
	return c.clone(), true
}

// List 按目录顺序返回全部能力。
func (s *Store) List() []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Capability {
	out := make([]Capability, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.caps[id].clone())
	}
	return out
}

// Set 是唯一的修改入口，修改对尚未派发的步骤立即生效。
func (s *Store) Set(id string, update Update) (Capability, error) {
	if update.Limit != nil && update.Limit.Value < 0 {
		return Capability{}, xerrors.New(xerrors.CodeInvalidArgument, "limit must not be negative")
	}
	s.mu.Lock()
	c, ok := s.caps[id]
	if !ok {
		s.mu.Unlock()
		return Capability{}, xerrors.New(xerrors.CodeCapabilityUnknown, fmt.Sprintf("unknown capability %q", id))
	}
	if update.Enabled != nil {
		c.Enabled = *update.Enabled
	}
	if update.ClearLimit {
		c.Limit = nil
	}
	if update.Limit != nil {
		limit := *update.Limit
		c.Limit = &limit
	}
	if update.RequiresApproval != nil {
		c.RequiresApproval = *update.RequiresApproval
	}
	s.caps[id] = c
	snapshot := s.snapshotLocked()
	observers := s.observers
	s.mu.Unlock()

	s.logger.Info("能力已更新",
		slog.String("capability", id),
		slog.Bool("enabled", c.Enabled),
		slog.Bool("requires_approval", c.RequiresApproval),
	)
	for _, observer := range observers {
		observer(snapshot)
	}
	return c.clone(), nil
}

// Restore 将持久化的能力状态合并到目录中，目录外的标识被忽略。
func (s *Store) Restore(persisted []Capability) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := 0
	for _, p := range persisted {
		current, ok := s.caps[p.ID]
		if !ok {
			s.logger.Warn("忽略目录外的持久化能力", slog.String("capability", p.ID))
			continue
		}
		p = p.clone()
		if p.Description == "" {
			p.Description = current.Description
		}
		s.caps[p.ID] = p
		applied++
	}
	return applied
}
