package panelrelay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chromedp/cdproto"
)

const (
	// closedCode 传输关闭时未完成命令的错误码
	closedCode = -32000
	// commandIDBase 与内容帧自身发出的 CDP id 错开
	commandIDBase int64 = 1 << 30
)

// Bridge 面板侧门面：通过通道向宿主发起带关联 id 的操作，并收取响应。
type Bridge struct {
	sender Sender
	logger *slog.Logger

	// requests 关联 getState/getUrl，负载为响应的原始 JSON
	requests *CorrelationMap[string]
	// commands 关联经中继发往目标的 CDP 命令
	commands *CorrelationMap[*CDPMessage]

	// OnSocketEvent 接收未被命令关联消化的 websocket 事件（open/close/error、CDP 事件）
	OnSocketEvent func(env SocketEnvelope)
}

// NewBridge 创建 Bridge
func NewBridge(sender Sender, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sender:   sender,
		logger:   logger,
		requests: NewCorrelationMap[string](),
		commands: NewCorrelationMap[*CDPMessage](),
	}
}

// Ready 请求宿主（重新）建立到目标的传输。上一传输上未完成的命令以错误结束。
func (b *Bridge) Ready() error {
	b.failCommands("session restarted")
	return b.send(EventReady, struct{}{})
}

// GetState 获取偏好集合
func (b *Bridge) GetState(callback func(prefs map[string]string)) error {
	id := b.requests.NextID()
	b.requests.Register(id, func(raw string) {
		var resp StateResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			b.logger.Warn("decode getState response", "error", err)
		}
		if resp.Preferences == nil {
			resp.Preferences = map[string]string{}
		}
		callback(resp.Preferences)
	})
	if err := b.send(EventGetState, StateRequest{ID: id}); err != nil {
		b.requests.Cancel(id)
		return err
	}
	return nil
}

// SetState 写入一项偏好，无响应
func (b *Bridge) SetState(name, value string) error {
	return b.send(EventSetState, SetStateRequest{Name: name, Value: value})
}

// GetURL 由宿主获取 url 的内容；宿主获取失败时回调收到空字符串
func (b *Bridge) GetURL(url string, callback func(content string)) error {
	id := b.requests.NextID()
	b.requests.Register(id, func(raw string) {
		var resp URLResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			b.logger.Warn("decode getUrl response", "error", err)
		}
		callback(resp.Content)
	})
	if err := b.send(EventGetURL, URLRequest{ID: id, URL: url}); err != nil {
		b.requests.Cancel(id)
		return err
	}
	return nil
}

// OpenInEditor 请求宿主在编辑器中打开位置
func (b *Bridge) OpenInEditor(url string, line, column int) error {
	return b.send(EventOpenInEditor, EditorRequest{URL: url, Line: line, Column: column})
}

// RecordTelemetry 上报遥测
func (b *Bridge) RecordTelemetry(ev TelemetryEvent) error {
	return b.send(EventTelemetry, ev)
}

// SendSocketMessage 经中继向目标发送一条不透明的 CDP 消息
func (b *Bridge) SendSocketMessage(message string) error {
	return b.send(EventWebSocket, SocketEnvelope{Message: message})
}

// SendDebugCommand 发送 CDP 命令，响应到达时调用 callback。返回命令 id。
func (b *Bridge) SendDebugCommand(method cdproto.MethodType, params any, callback func(*CDPMessage)) (int64, error) {
	id := commandIDBase + b.commands.NextID()
	msg := CDPMessage{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	b.commands.Register(id, callback)
	if err := b.SendSocketMessage(string(data)); err != nil {
		b.commands.Cancel(id)
		return 0, err
	}
	b.logger.Debug("debug command sent", "id", id, "domain", methodDomain(method), "method", method.String())
	return id, nil
}

// methodDomain 返回 "Domain.method" 中的域名，没有域名时为空
func methodDomain(m cdproto.MethodType) string {
	if !strings.Contains(string(m), ".") {
		return ""
	}
	return m.Domain()
}

// PendingRequests 返回等待宿主响应的请求数
func (b *Bridge) PendingRequests() int { return b.requests.Len() }

// PendingCommands 返回等待目标响应的命令数
func (b *Bridge) PendingCommands() int { return b.commands.Len() }

// HandleFrame 处理宿主发来的一帧；无法解码的帧返回 false
func (b *Bridge) HandleFrame(frame string) bool {
	return Decode(frame, b.dispatch)
}

func (b *Bridge) dispatch(e Event, payload string) {
	switch e {
	case EventGetState, EventGetURL:
		var head struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal([]byte(payload), &head); err != nil {
			b.logger.Debug("response without id", "event", e.String(), "error", err)
			return
		}
		if !b.requests.Resolve(head.ID, payload) {
			b.logger.Debug("stale response", "event", e.String(), "id", head.ID)
		}
	case EventWebSocket:
		var env SocketEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			b.logger.Debug("malformed websocket event", "error", err)
			return
		}
		b.handleSocketEvent(env)
	case EventReady, EventSetState, EventOpenInEditor, EventTelemetry:
		b.logger.Debug("unexpected event from host", "event", e.String())
	}
}

func (b *Bridge) handleSocketEvent(env SocketEnvelope) {
	switch env.Event {
	case SocketMessage:
		var msg CDPMessage
		if err := json.Unmarshal([]byte(env.Message), &msg); err == nil && msg.IsResponse() {
			if b.commands.Resolve(msg.ID, &msg) {
				return
			}
		}
	case SocketClose, SocketError:
		b.failCommands("connection " + string(env.Event))
	}
	if b.OnSocketEvent != nil {
		b.OnSocketEvent(env)
	}
}

// failCommands 以错误结束全部未完成命令，避免回调永久悬挂
func (b *Bridge) failCommands(reason string) {
	n := b.commands.ResolveAll(func(id int64) *CDPMessage {
		return &CDPMessage{ID: id, Error: &CDPError{Code: closedCode, Message: reason}}
	})
	if n > 0 {
		b.logger.Debug("failed pending commands", "count", n, "reason", reason)
	}
}

func (b *Bridge) send(e Event, payload any) error {
	if b.sender == nil {
		return ErrConnClosed
	}
	frame, err := Encode(e, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e, err)
	}
	return b.sender.Send(frame)
}
