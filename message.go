package panelrelay

import (
	"encoding/json"

	"github.com/chromedp/cdproto"
)

// SocketEvent websocket 事件信封中的子事件
type SocketEvent string

const (
	SocketOpen    SocketEvent = "open"
	SocketClose   SocketEvent = "close"
	SocketError   SocketEvent = "error"
	SocketMessage SocketEvent = "message"
)

// SocketEnvelope websocket 事件的负载
// Message 仅在 Event 为 message 时携带不透明的 CDP 消息文本
type SocketEnvelope struct {
	Event   SocketEvent `json:"event,omitempty"`
	Message string      `json:"message,omitempty"`
}

// StateRequest getState 请求
type StateRequest struct {
	ID int64 `json:"id"`
}

// StateResponse getState 响应
type StateResponse struct {
	ID          int64             `json:"id"`
	Preferences map[string]string `json:"preferences"`
}

// SetStateRequest setState 请求，无响应
type SetStateRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// URLRequest getUrl 请求
type URLRequest struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// URLResponse getUrl 响应；获取失败时 Content 为空
type URLResponse struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

// EditorRequest openInEditor 请求
type EditorRequest struct {
	URL    string `json:"url"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// TelemetryEvent telemetry 上报
type TelemetryEvent struct {
	Name       string             `json:"name"`
	Properties map[string]string  `json:"properties,omitempty"`
	Measures   map[string]float64 `json:"measures,omitempty"`
}

// CDPError CDP 错误响应
type CDPError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *CDPError) Error() string { return e.Message }

// CDPMessage CDP 风格的请求/响应/事件。中继不解析它，只有 Bridge 用来关联调试命令。
type CDPMessage struct {
	ID        int64              `json:"id,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
	Method    cdproto.MethodType `json:"method,omitempty"`
	Params    json.RawMessage    `json:"params,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     *CDPError          `json:"error,omitempty"`
}

// IsResponse 有 id 且无 method 的消息是命令响应
func (m *CDPMessage) IsResponse() bool {
	return m.ID != 0 && m.Method == ""
}
