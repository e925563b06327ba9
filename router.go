package panelrelay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Origin 入站消息的来源
type Origin uint8

const (
	// OriginContent 嵌入的内容帧
	OriginContent Origin = iota + 1
	// OriginHost 特权宿主
	OriginHost
)

func (o Origin) String() string {
	switch o {
	case OriginContent:
		return "content"
	case OriginHost:
		return "host"
	}
	return "unknown"
}

// 内容帧可调用的方法
const (
	MethodReady               = "ready"
	MethodGetPreferences      = "getPreferences"
	MethodSetPreference       = "setPreference"
	MethodLoadNetworkResource = "loadNetworkResource"
	MethodOpenInEditor        = "openInEditor"
	MethodRecordTelemetry     = "recordTelemetry"
	MethodSendMessage         = "sendMessageToBackend"

	// MethodDispatchSocketEvent 推送给内容帧的 websocket 事件
	MethodDispatchSocketEvent = "dispatchSocketEvent"
)

// StartupTelemetry 启动超时上报的遥测名
const StartupTelemetry = "panel/startupTimeout"

// ContentFrame 嵌入的内容帧
type ContentFrame interface {
	Post(message string) error
}

// ContentRequest 内容帧发来的调用
type ContentRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ContentResponse 对 ContentRequest 的回复
type ContentResponse struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ContentEvent 主动推送给内容帧的事件
type ContentEvent struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// RouterConfig 创建 Router 所需参数
type RouterConfig struct {
	Bridge *Bridge
	// Clock 默认 clock.New()，测试注入 clock.NewMock()
	Clock         clock.Clock
	WatchdogDelay time.Duration
	// OnFailure 第二次及以后启动超时时调用，进入持久的失败状态
	OnFailure func()
	Logger    *slog.Logger
}

// Router 在一个外部通道上区分内容帧与宿主两方的消息，并运行启动看门狗。
// 创建时接管 Bridge.OnSocketEvent。
type Router struct {
	bridge    *Bridge
	clock     clock.Clock
	delay     time.Duration
	onFailure func()
	logger    *slog.Logger

	mu       sync.Mutex
	content  ContentFrame
	alive    bool
	failures int
	failed   bool
	timer    *clock.Timer
	starts   uint64
}

// NewRouter 创建 Router
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	delay := cfg.WatchdogDelay
	if delay <= 0 {
		delay = DefaultOptions().WatchdogDelay
	}
	r := &Router{
		bridge:    cfg.Bridge,
		clock:     clk,
		delay:     delay,
		onFailure: cfg.OnFailure,
		logger:    logger,
	}
	r.bridge.OnSocketEvent = r.forwardSocketEvent
	return r
}

// Start 内容帧开始加载时调用：清除上次的绑定与存活标记，并启动一次性看门狗
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.content = nil
	r.alive = false
	r.starts++
	start := r.starts
	r.timer = r.clock.AfterFunc(r.delay, func() { r.checkLiveness(start) })
}

// Stop 停止看门狗
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// BindContent 内容帧就绪后绑定
func (r *Router) BindContent(frame ContentFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content = frame
	r.alive = true
}

// Alive 是否已收到过内容帧的信号
func (r *Router) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Failed 是否已进入持久的启动失败状态
func (r *Router) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Route 按来源分发一条入站消息
func (r *Router) Route(origin Origin, data string) {
	switch origin {
	case OriginContent:
		r.mu.Lock()
		r.alive = true
		r.mu.Unlock()
		r.handleContent(data)
	case OriginHost:
		if !r.bridge.HandleFrame(data) {
			r.logger.Debug("ignoring foreign host message")
		}
	default:
		r.logger.Debug("dropping message of unknown origin", "origin", origin.String())
	}
}

func (r *Router) handleContent(data string) {
	var req ContentRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		r.logger.Debug("malformed content message", "error", err)
		return
	}

	var err error
	switch req.Method {
	case MethodReady:
		err = r.bridge.Ready()
	case MethodGetPreferences:
		err = r.bridge.GetState(func(prefs map[string]string) {
			r.reply(req.ID, prefs, nil)
		})
	case MethodSetPreference:
		var args SetStateRequest
		if err = json.Unmarshal(req.Args, &args); err == nil {
			err = r.bridge.SetState(args.Name, args.Value)
		}
	case MethodLoadNetworkResource:
		var args struct {
			URL string `json:"url"`
		}
		if err = json.Unmarshal(req.Args, &args); err == nil {
			err = r.bridge.GetURL(args.URL, func(content string) {
				r.reply(req.ID, URLResponse{ID: req.ID, Content: content}, nil)
			})
		}
	case MethodOpenInEditor:
		var args EditorRequest
		if err = json.Unmarshal(req.Args, &args); err == nil {
			err = r.bridge.OpenInEditor(args.URL, args.Line, args.Column)
		}
	case MethodRecordTelemetry:
		var args TelemetryEvent
		if err = json.Unmarshal(req.Args, &args); err == nil {
			err = r.bridge.RecordTelemetry(args)
		}
	case MethodSendMessage:
		var args struct {
			Message string `json:"message"`
		}
		if err = json.Unmarshal(req.Args, &args); err == nil {
			err = r.bridge.SendSocketMessage(args.Message)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}
	if err != nil {
		r.logger.Warn("content request failed", "method", req.Method, "error", err)
		r.reply(req.ID, nil, err)
	}
}

func (r *Router) reply(id int64, result any, err error) {
	resp := ContentResponse{ID: id, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	r.post(resp)
}

func (r *Router) forwardSocketEvent(env SocketEnvelope) {
	r.post(ContentEvent{Method: MethodDispatchSocketEvent, Params: env})
}

func (r *Router) post(v any) {
	r.mu.Lock()
	content := r.content
	r.mu.Unlock()
	if content == nil {
		r.logger.Debug("content frame not bound, dropping message")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("encode content message", "error", err)
		return
	}
	if err := content.Post(string(data)); err != nil {
		r.logger.Warn("post to content frame failed", "error", err)
	}
}

// checkLiveness 首次超时只通知宿主（可能只是启动慢），之后的超时进入失败状态
func (r *Router) checkLiveness(start uint64) {
	r.mu.Lock()
	if start != r.starts {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	if r.alive {
		r.mu.Unlock()
		return
	}
	r.failures++
	hard := r.failures > 1
	if hard {
		r.failed = true
	}
	onFailure := r.onFailure
	r.mu.Unlock()

	stage := "soft"
	if hard {
		stage = "hard"
	}
	r.logger.Warn("content frame did not start", "stage", stage)
	if err := r.bridge.RecordTelemetry(TelemetryEvent{
		Name:       StartupTelemetry,
		Properties: map[string]string{"stage": stage},
	}); err != nil {
		r.logger.Debug("report startup failure", "error", err)
	}
	if hard && onFailure != nil {
		onFailure()
	}
}
