package panelrelay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// Server 宿主侧服务：接受面板通道，为每个视图维护一个中继会话
type Server struct {
	registry *Registry
	host     *HostService
	auth     Authenticator
	opts     Options
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn // viewID -> Conn

	// graceful shutdown
	httpSrv     *http.Server
	cleanupTick *time.Ticker
	ctx         context.Context
	cancel      context.CancelFunc

	onConnect    func(*Conn)
	onDisconnect func(*Conn)
}

// NewServer 创建 Server。host 为 nil 时只转发 websocket 流量。
func NewServer(auth Authenticator, host *HostService, opts *Options, logger *slog.Logger) *Server {
	o := mergeOptions(opts)
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry: NewRegistry(&WebSocketDialer{HandshakeTimeout: o.DialTimeout, Logger: logger}, logger),
		host:     host,
		auth:     auth,
		opts:     o,
		logger:   logger,
		conns:    make(map[string]*Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry 返回会话注册表
func (s *Server) Registry() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// SetDialer 换用新的拨号器。旧注册表中的会话全部释放，面板需重新发送 ready。
func (s *Server) SetDialer(d Dialer) error {
	s.mu.Lock()
	old := s.registry
	s.registry = NewRegistry(d, s.logger)
	s.mu.Unlock()
	return old.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler 返回提供 /panel 端点的 http.Handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/panel", s.handlePanel)
	return mux
}

// Serve 启动 HTTP 服务
func (s *Server) Serve(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	if s.opts.ZombieCleanupEnabled && s.opts.ZombieCheckInterval > 0 && s.opts.ZombieMaxIdle > 0 {
		s.cleanupTick = time.NewTicker(s.opts.ZombieCheckInterval)
		go s.reapZombies(s.cleanupTick)
	}
	s.logger.Info("panel host listening", "addr", addr, "target", s.opts.TargetAddress)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭：停止 HTTP、停止清理、关闭所有通道并释放会话
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cleanupTick != nil {
		s.cleanupTick.Stop()
		s.cleanupTick = nil
	}
	var err error
	if s.httpSrv != nil {
		err = multierr.Append(err, s.httpSrv.Shutdown(ctx))
	}
	s.cancel()

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*Conn)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return multierr.Append(err, s.Registry().Close())
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	viewID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	target := s.opts.TargetAddress
	if s.opts.AllowTargetOverride {
		if t := r.URL.Query().Get("target"); t != "" {
			target = t
		}
	}
	if target == "" {
		http.Error(w, ErrNoTarget.Error(), http.StatusBadRequest)
		return
	}
	if viewID == "" {
		viewID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade error", "error", err)
		return
	}

	conn := NewConn(viewID, ws, s.logger)
	ctx, cancel := context.WithCancel(s.ctx)
	relayCfg := RelayConfig{
		ViewID:      viewID,
		Target:      target,
		Channel:     conn,
		BaseContext: ctx,
		Logger:      s.logger,
	}
	if s.host != nil {
		relayCfg.Fallback = func(e Event, payload string) {
			s.host.Handle(ctx, e, payload, conn)
		}
	}
	registry := s.Registry()
	relay := registry.Create(relayCfg)
	s.addConn(conn)

	s.mu.RLock()
	onConnect, onDisconnect := s.onConnect, s.onDisconnect
	s.mu.RUnlock()
	if onConnect != nil {
		// 独立 goroutine 触发，避免阻塞握手
		go onConnect(conn)
	}

	if s.opts.HeartbeatEnabled && s.opts.HeartbeatInterval > 0 {
		conn.StartHeartbeat(s.opts.HeartbeatInterval)
	}

	go func() {
		<-conn.Closed()
		cancel()
		_ = conn.Close()
		if err := registry.Release(relay); err != nil {
			s.logger.Debug("release session", "view", viewID, "error", err)
		}
		s.removeConn(conn)
		if onDisconnect != nil {
			onDisconnect(conn)
		}
	}()

	go conn.Run(func(frame string) { relay.HandleFrame(frame) })
}

// addConn 登记通道；同一视图的旧通道被关闭
func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	old := s.conns[c.ID]
	s.conns[c.ID] = c
	s.mu.Unlock()
	if old != nil && old != c {
		_ = old.Close()
	}
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[c.ID]; ok && cur == c {
		delete(s.conns, c.ID)
	}
}

// ConnCount 返回当前通道数
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// OnConnect 在通道建立后异步调用 h
func (s *Server) OnConnect(h func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = h
}

// OnDisconnect 在通道关闭且会话释放后调用 h
func (s *Server) OnDisconnect(h func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = h
}

func (s *Server) reapZombies(ticker *time.Ticker) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.cleanupZombies(now)
		}
	}
}

// cleanupZombies 关闭超过 ZombieMaxIdle 没有活动的通道，会话随之释放
func (s *Server) cleanupZombies(now time.Time) {
	s.mu.RLock()
	var idle []*Conn
	for _, c := range s.conns {
		if now.Sub(c.LastActivity()) > s.opts.ZombieMaxIdle {
			idle = append(idle, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range idle {
		s.logger.Info("closing idle channel", "view", c.ID, "idle", now.Sub(c.LastActivity()))
		_ = c.Close()
	}
}
