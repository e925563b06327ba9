package panelrelay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Registry 维护视图 id 到中继会话的映射，每个视图同时最多一个会话
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Relay
	dialer   Dialer
	logger   *slog.Logger
}

// NewRegistry 创建注册表；dialer 为 nil 时使用 WebSocketDialer
func NewRegistry(dialer Dialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = &WebSocketDialer{Logger: logger}
	}
	return &Registry{
		sessions: make(map[string]*Relay),
		dialer:   dialer,
		logger:   logger,
	}
}

// Create 为视图创建新会话，先释放同一视图的旧会话。
// cfg.ViewID 为空时自动生成。
func (g *Registry) Create(cfg RelayConfig) *Relay {
	if cfg.ViewID == "" {
		cfg.ViewID = uuid.NewString()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = g.dialer
	}
	if cfg.Logger == nil {
		cfg.Logger = g.logger
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.sessions[cfg.ViewID]; ok {
		if err := old.Dispose(); err != nil {
			g.logger.Warn("dispose previous session", "view", cfg.ViewID, "error", err)
		}
	}
	r := NewRelay(cfg)
	g.sessions[cfg.ViewID] = r
	return r
}

// Get 返回视图当前的会话
func (g *Registry) Get(viewID string) (*Relay, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[viewID]
	return r, ok
}

// Dispose 释放并移除视图的会话
func (g *Registry) Dispose(viewID string) error {
	g.mu.Lock()
	r, ok := g.sessions[viewID]
	delete(g.sessions, viewID)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, viewID)
	}
	return r.Dispose()
}

// Release 仅当视图的当前会话仍是 r 时才移除，避免误删已被替换的新会话
func (g *Registry) Release(r *Relay) error {
	g.mu.Lock()
	if cur, ok := g.sessions[r.ViewID()]; ok && cur == r {
		delete(g.sessions, r.ViewID())
	}
	g.mu.Unlock()
	return r.Dispose()
}

// Len 返回会话数
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close 释放全部会话
func (g *Registry) Close() error {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]*Relay)
	g.mu.Unlock()

	var err error
	for _, r := range sessions {
		err = multierr.Append(err, r.Dispose())
	}
	return err
}
