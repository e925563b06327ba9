package panelrelay

import (
	"encoding/json"
	"strings"
)

// Event 通道帧的事件名，取值集合在编译期固定
type Event uint8

const (
	EventReady Event = iota + 1
	EventGetState
	EventSetState
	EventGetURL
	EventOpenInEditor
	EventTelemetry
	EventWebSocket
)

// vocabulary 按声明顺序解码，事件名互不为前缀
var vocabulary = [...]Event{
	EventReady,
	EventGetState,
	EventSetState,
	EventGetURL,
	EventOpenInEditor,
	EventTelemetry,
	EventWebSocket,
}

// String 返回线上事件名
func (e Event) String() string {
	switch e {
	case EventReady:
		return "ready"
	case EventGetState:
		return "getState"
	case EventSetState:
		return "setState"
	case EventGetURL:
		return "getUrl"
	case EventOpenInEditor:
		return "openInEditor"
	case EventTelemetry:
		return "telemetry"
	case EventWebSocket:
		return "websocket"
	}
	return ""
}

// ParseEvent 将线上事件名映射回 Event
func ParseEvent(name string) (Event, bool) {
	for _, e := range vocabulary {
		if e.String() == name {
			return e, true
		}
	}
	return 0, false
}

// Encode 生成 "<event>:<json>" 帧；仅当 args 无法序列化时返回错误
func Encode(e Event, args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return EncodeRaw(e, data), nil
}

// EncodeRaw 使用已编码的 JSON 生成帧
func EncodeRaw(e Event, raw json.RawMessage) string {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var b strings.Builder
	name := e.String()
	b.Grow(len(name) + 1 + len(raw))
	b.WriteString(name)
	b.WriteByte(':')
	b.Write(raw)
	return b.String()
}

// Decode 按词表前缀匹配帧；匹配成功则调用 dispatch 并返回 true。
// 未知前缀返回 false，不调用 dispatch。
func Decode(frame string, dispatch func(e Event, payload string)) bool {
	for _, e := range vocabulary {
		name := e.String()
		if len(frame) > len(name) && frame[len(name)] == ':' && strings.HasPrefix(frame, name) {
			dispatch(e, frame[len(name)+1:])
			return true
		}
	}
	return false
}
