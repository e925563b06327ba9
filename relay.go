package panelrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Sender 能发送文本帧的通道一端
type Sender interface {
	Send(frame string) error
}

// State 中继会话的传输状态
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// RelayConfig 创建 Relay 所需参数
type RelayConfig struct {
	ViewID  string
	Target  string
	Channel Sender
	Dialer  Dialer
	// Fallback 接收不属于中继的词表事件（getState、getUrl 等）
	Fallback func(e Event, payload string)
	// BaseContext 拨号使用的上下文，默认 context.Background()
	BaseContext context.Context
	Logger      *slog.Logger
}

// Relay 为一个视图持有唯一的真实传输，在通道与传输之间转发消息。
// 所有状态变更在 mu 下串行执行，回调按事件到达顺序生效。
type Relay struct {
	viewID   string
	target   string
	channel  Sender
	dialer   Dialer
	fallback func(e Event, payload string)
	ctx      context.Context
	logger   *slog.Logger

	mu        sync.Mutex
	transport Transport
	gen       uint64 // 每次建立或释放传输递增，旧传输的回调据此失效
	state     State
	connected bool
	pending   []string
}

// NewRelay 创建处于 Idle 状态的中继
func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx := cfg.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{Logger: logger}
	}
	return &Relay{
		viewID:   cfg.ViewID,
		target:   cfg.Target,
		channel:  cfg.Channel,
		dialer:   dialer,
		fallback: cfg.Fallback,
		ctx:      ctx,
		logger:   logger.With("view", cfg.ViewID, "target", cfg.Target),
	}
}

// ViewID 返回视图 id
func (r *Relay) ViewID() string { return r.viewID }

// Target 返回目标地址
func (r *Relay) Target() string { return r.target }

// State 返回当前状态
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connected 传输是否已打开
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Pending 返回等待传输打开的消息数
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// HandleFrame 处理来自通道的一帧。无法解码的帧被忽略并返回 false。
func (r *Relay) HandleFrame(frame string) bool {
	var (
		event   Event
		payload string
	)
	if !Decode(frame, func(e Event, p string) { event, payload = e, p }) {
		r.logger.Debug("ignoring undecodable frame")
		return false
	}

	switch event {
	case EventReady:
		r.mu.Lock()
		if err := r.disposeLocked(); err != nil {
			r.logger.Debug("closing previous transport", "error", err)
		}
		r.connectLocked()
		r.mu.Unlock()
	case EventWebSocket:
		r.handleSocketFrame(payload)
	case EventGetState, EventSetState, EventGetURL, EventOpenInEditor, EventTelemetry:
		if r.fallback != nil {
			r.fallback(event, payload)
		} else {
			r.logger.Debug("unhandled event", "event", event.String())
		}
	}
	return true
}

func (r *Relay) handleSocketFrame(payload string) {
	var env SocketEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Debug("dropping malformed websocket frame", "error", err)
		return
	}
	if !strings.HasPrefix(env.Message, "{") {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transport == nil {
		// 意外断开后自愈
		r.connectLocked()
	}
	if !r.connected {
		r.pending = append(r.pending, env.Message)
		return
	}
	if err := r.transport.Send(env.Message); err != nil {
		r.logger.Warn("transport send failed", "error", err)
	}
}

// connectLocked 拨号新传输，调用方保证当前没有传输
func (r *Relay) connectLocked() {
	if r.target == "" {
		r.logger.Warn("cannot connect", "error", ErrNoTarget)
		return
	}

	r.gen++
	gen := r.gen
	handler := TransportHandler{
		OnOpen:    func() { r.onOpen(gen) },
		OnMessage: func(data string) { r.onMessage(gen, data) },
		OnError:   func(err error) { r.onError(gen, err) },
		OnClose:   func() { r.onClose(gen) },
	}
	t, err := r.dialer.Dial(r.ctx, r.target, handler)
	if err != nil {
		r.logger.Warn("transport dial failed", "error", err)
		return
	}
	r.transport = t
	r.state = StateConnecting
	r.logger.Debug("transport connecting")
}

func (r *Relay) stale(gen uint64) bool {
	return gen != r.gen || r.transport == nil
}

func (r *Relay) onOpen(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale(gen) {
		return
	}
	r.connected = true
	r.state = StateOpen
	r.emitLocked(SocketEnvelope{Event: SocketOpen})

	queued := r.pending
	r.pending = nil
	for _, msg := range queued {
		if err := r.transport.Send(msg); err != nil {
			r.logger.Warn("flushing queued message failed", "error", err)
		}
	}
	r.logger.Info("transport open", "flushed", len(queued))
}

func (r *Relay) onMessage(gen uint64, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale(gen) || !r.connected {
		return
	}
	r.emitLocked(SocketEnvelope{Event: SocketMessage, Message: data})
}

func (r *Relay) onError(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale(gen) {
		return
	}
	if !r.connected {
		r.logger.Debug("suppressing pre-open transport error", "error", err)
		return
	}
	r.logger.Warn("transport error", "error", err)
	r.emitLocked(SocketEnvelope{Event: SocketError})
}

func (r *Relay) onClose(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale(gen) {
		return
	}
	if r.connected {
		r.emitLocked(SocketEnvelope{Event: SocketClose})
	}
	r.connected = false
	// 传输层关闭即销毁该传输；排队消息保留给下一次自愈连接
	_ = r.releaseLocked()
	r.state = StateClosed
	r.logger.Info("transport closed")
}

func (r *Relay) emitLocked(env SocketEnvelope) {
	if r.channel == nil {
		return
	}
	frame, err := Encode(EventWebSocket, env)
	if err != nil {
		r.logger.Error("encode socket event", "error", err)
		return
	}
	if err := r.channel.Send(frame); err != nil {
		r.logger.Warn("channel send failed", "event", string(env.Event), "error", err)
	}
}

// releaseLocked 先解除回调再关闭传输，关闭期间触发的事件不会重入
func (r *Relay) releaseLocked() error {
	r.gen++
	t := r.transport
	r.transport = nil
	if t == nil {
		return nil
	}
	t.Detach()
	return t.Close()
}

func (r *Relay) disposeLocked() error {
	err := r.releaseLocked()
	r.connected = false
	r.state = StateIdle
	// 尚未发出的排队消息随会话一起丢弃
	r.pending = nil
	return err
}

// Dispose 关闭传输并回到 Idle。可重复调用，也可在从未连接时调用。
func (r *Relay) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposeLocked()
}
